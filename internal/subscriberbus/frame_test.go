package subscriberbus

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"task_id":1,"total_processed":42}`)
	frame, err := encodeFrame(7, MsgNotifyData, payload)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	msgID, msgType, got, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if msgID != 7 || msgType != MsgNotifyData {
		t.Fatalf("header mismatch: id=%d type=%d", msgID, msgType)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	big := make([]byte, maxPayload+1)
	if _, err := encodeFrame(1, MsgWaiting, big); err == nil {
		t.Fatalf("expected error for oversize payload")
	}
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	frame, _ := encodeFrame(1, MsgFaults, []byte("x"))
	frame[0] ^= 0xFF
	if _, _, _, err := decodeFrame(frame); err != errBadMagic {
		t.Fatalf("expected errBadMagic, got %v", err)
	}
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	if _, _, _, err := decodeFrame([]byte{1, 2, 3}); err != errShortFrame {
		t.Fatalf("expected errShortFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	frame, _ := encodeFrame(1, MsgFaults, []byte("hello"))
	truncated := frame[:len(frame)-2]
	if _, _, _, err := decodeFrame(truncated); err != errTruncated {
		t.Fatalf("expected errTruncated, got %v", err)
	}
}

func TestFrameHeaderIsLittleEndian(t *testing.T) {
	frame, _ := encodeFrame(1, MsgWaiting, nil)
	if got := binary.LittleEndian.Uint32(frame[0:4]); got != frameMagic {
		t.Fatalf("magic = %#x, want %#x", got, frameMagic)
	}
	if got := binary.LittleEndian.Uint16(frame[8:10]); got != uint16(MsgWaiting) {
		t.Fatalf("msg_type = %d, want %d", got, MsgWaiting)
	}
}

func TestEncodeResponsePayload(t *testing.T) {
	payload := encodeResponsePayload(7, 206, "HTTP/1.1", map[string][]string{
		"content-range": {"bytes 100-199/2048"},
		"set-cookie":    {"a=1", "b=2"},
	})

	if got := binary.LittleEndian.Uint32(payload[0:4]); got != 7 {
		t.Fatalf("task_id = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(payload[4:8]); got != 206 {
		t.Fatalf("status = %d, want 206", got)
	}
	rest := payload[8:]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 || string(rest[:nul]) != "HTTP/1.1" {
		t.Fatalf("version not null-terminated: %q", rest)
	}
	lines := string(rest[nul+1:])
	if !strings.Contains(lines, "content-range:bytes 100-199/2048\n") {
		t.Fatalf("missing single-value header line: %q", lines)
	}
	if !strings.Contains(lines, "set-cookie:a=1,b=2\n") {
		t.Fatalf("multi-value header not comma-joined: %q", lines)
	}
}

func TestEncodeResponsePayloadDropsOversizeHeaderLines(t *testing.T) {
	big := strings.Repeat("x", maxPayload)
	payload := encodeResponsePayload(1, 200, "HTTP/1.1", map[string][]string{
		"huge": {big},
		"ok":   {"v"},
	})
	if len(payload) > maxPayload {
		t.Fatalf("payload %d exceeds cap %d", len(payload), maxPayload)
	}
	if !strings.Contains(string(payload), "ok:v\n") {
		t.Fatalf("small header should survive truncation")
	}
	if strings.Contains(string(payload), "huge:") {
		t.Fatalf("oversize header line should be dropped")
	}
}
