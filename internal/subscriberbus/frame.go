// Package subscriberbus delivers task events to client processes over
// a Unix domain datagram socket per subscriber: a compact binary
// frame format, back-pressure on progress frames (at most one per
// task id per window, terminal events never dropped), and an
// acknowledged send for frames that must arrive.
package subscriberbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// frameMagic identifies a valid frame header.
const frameMagic uint32 = 0x43434646

// maxPayload bounds a single frame's payload.
const maxPayload = 8 * 1024

// MsgType tags a frame's payload shape.
type MsgType uint16

const (
	MsgHTTPResponse MsgType = 0
	MsgNotifyData   MsgType = 1
	MsgFaults       MsgType = 2
	MsgWaiting      MsgType = 3
)

// frame is magic:u32 | msg_id:u32 | msg_type:u16 | length:u16 | payload,
// all fields little-endian.
const headerLen = 4 + 4 + 2 + 2

// encodeFrame serializes one frame; it errors if payload exceeds
// maxPayload rather than silently truncating.
func encodeFrame(msgID uint32, msgType MsgType, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("subscriberbus: payload %d bytes exceeds max %d", len(payload), maxPayload)
	}
	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], msgID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(msgType))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	return buf, nil
}

var errShortFrame = errors.New("subscriberbus: frame shorter than header")
var errBadMagic = errors.New("subscriberbus: bad frame magic")
var errTruncated = errors.New("subscriberbus: frame payload truncated")

// decodeFrame parses a raw datagram into its header fields and
// payload slice (aliasing buf, not copied).
func decodeFrame(buf []byte) (msgID uint32, msgType MsgType, payload []byte, err error) {
	if len(buf) < headerLen {
		return 0, 0, nil, errShortFrame
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != frameMagic {
		return 0, 0, nil, errBadMagic
	}
	msgID = binary.LittleEndian.Uint32(buf[4:8])
	msgType = MsgType(binary.LittleEndian.Uint16(buf[8:10]))
	length := binary.LittleEndian.Uint16(buf[10:12])
	if int(length) > len(buf)-headerLen {
		return 0, 0, nil, errTruncated
	}
	payload = buf[headerLen : headerLen+int(length)]
	return msgID, msgType, payload, nil
}

// encodeResponsePayload builds the HttpResponse payload: task_id:u32,
// status:u32, then the null-terminated HTTP version string, then
// headers as "key:val1,val2\n" lines. Header lines that would push the
// payload past the frame cap are dropped rather than split mid-line.
func encodeResponsePayload(taskID uint32, status int, version string, headers map[string][]string) []byte {
	buf := make([]byte, 0, 256)
	var u [4]byte
	binary.LittleEndian.PutUint32(u[:], taskID)
	buf = append(buf, u[:]...)
	binary.LittleEndian.PutUint32(u[:], uint32(status))
	buf = append(buf, u[:]...)
	buf = append(buf, version...)
	buf = append(buf, 0)

	for key, vals := range headers {
		line := key + ":" + joinVals(vals) + "\n"
		if len(buf)+len(line) > maxPayload {
			continue
		}
		buf = append(buf, line...)
	}
	return buf
}

func joinVals(vals []string) string {
	switch len(vals) {
	case 0:
		return ""
	case 1:
		return vals[0]
	}
	n := 0
	for _, v := range vals {
		n += len(v) + 1
	}
	out := make([]byte, 0, n)
	for i, v := range vals {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, v...)
	}
	return string(out)
}
