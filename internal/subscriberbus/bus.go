package subscriberbus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// ackTimeout bounds how long an acknowledged send waits for the
// subscriber's reply.
const ackTimeout = 500 * time.Millisecond

// progressMinInterval is the back-pressure gate: at most one Progress
// frame per task id within this window. A time window approximates
// "one per receive-burst" without needing to observe the subscriber's
// actual read cadence.
const progressMinInterval = 200 * time.Millisecond

// subscriber is one attached client process's datagram connection.
type subscriber struct {
	pid     int
	tokenID string
	conn    *net.UnixConn

	mu        sync.Mutex
	nextMsgID uint32
	lastSent  map[uint32]time.Time // taskID -> last Progress send time
}

func (s *subscriber) send(msgType MsgType, payload []byte, wantAck bool) error {
	s.mu.Lock()
	s.nextMsgID++
	id := s.nextMsgID
	s.mu.Unlock()

	frame, err := encodeFrame(id, msgType, payload)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	if !wantAck {
		return nil
	}

	// The subscriber acknowledges with 4 bytes holding the frame
	// length it received; a mismatch or timeout is an error for the
	// caller to log, never fatal.
	_ = s.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	ack := make([]byte, 4)
	n, err := s.conn.Read(ack)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}
	if n != 4 || binary.LittleEndian.Uint32(ack) != uint32(len(frame)) {
		return errAckMismatch
	}
	return nil
}

var errAckMismatch = errors.New("subscriberbus: ack length mismatch")

// Bus fans task lifecycle events out to every attached subscriber. It
// implements the manager.Publisher interface structurally.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	log  *slog.Logger
}

// New constructs an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscriber), log: log}
}

// Attach connects to the datagram socket at sockPath (created by the
// subscribing client) on behalf of pid/tokenID.
func (b *Bus) Attach(pid int, tokenID, sockPath string) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[pid] = &subscriber{pid: pid, tokenID: tokenID, conn: conn, lastSent: make(map[uint32]time.Time)}
	return nil
}

// Detach closes and forgets the subscriber for pid, if any.
func (b *Bus) Detach(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[pid]; ok {
		_ = s.conn.Close()
		delete(b.subs, pid)
	}
}

type progressPayload struct {
	TaskID uint32 `json:"task_id"`
	UID    uint64 `json:"uid"`
	catalog.Progress
}

type waitingPayload struct {
	TaskID uint32        `json:"task_id"`
	UID    uint64        `json:"uid"`
	Reason reason.Reason `json:"reason"`
}

type terminalPayload struct {
	TaskID uint32        `json:"task_id"`
	UID    uint64        `json:"uid"`
	State  reason.State  `json:"state"`
	Reason reason.Reason `json:"reason"`
}

// PublishProgress sends a rate-gated Progress (NotifyData) frame to
// every subscriber; drops (not queues) if the gate or a write error
// hits, since progress is inherently superseded by the next sample.
func (b *Bus) PublishProgress(taskID uint32, uid uint64, p catalog.Progress) {
	payload, err := json.Marshal(progressPayload{TaskID: taskID, UID: uid, Progress: p})
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	now := time.Now()
	for _, s := range b.subs {
		s.mu.Lock()
		last, ok := s.lastSent[taskID]
		due := !ok || now.Sub(last) >= progressMinInterval
		if due {
			s.lastSent[taskID] = now
		}
		s.mu.Unlock()
		if !due {
			continue
		}
		if err := s.send(MsgNotifyData, payload, false); err != nil {
			b.log.Warn("subscriber progress send failed", "pid", s.pid, "task_id", taskID, "err", err)
		}
	}
}

// PublishWaiting sends a Waiting frame; never rate-gated, since a
// reason change is a discrete, low-frequency event.
func (b *Bus) PublishWaiting(taskID uint32, uid uint64, r reason.Reason) {
	payload, err := json.Marshal(waitingPayload{TaskID: taskID, UID: uid, Reason: r})
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if err := s.send(MsgWaiting, payload, false); err != nil {
			b.log.Warn("subscriber waiting send failed", "pid", s.pid, "task_id", taskID, "err", err)
		}
	}
}

// PublishResponse sends an HttpResponse frame (upload/response
// metadata: status line plus header lines); like terminal events it is
// never rate-gated and waits for the ack.
func (b *Bus) PublishResponse(taskID uint32, status int, version string, headers map[string][]string) {
	payload := encodeResponsePayload(taskID, status, version, headers)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if err := s.send(MsgHTTPResponse, payload, true); err != nil {
			b.log.Warn("subscriber response send failed", "pid", s.pid, "task_id", taskID, "err", err)
		}
	}
}

// PublishTerminal sends a Faults/completion frame and waits for each
// subscriber's ack; terminal events are never dropped for rate
// reasons, only logged on an outright send/ack failure. An ack-miss
// does not evict the subscriber.
func (b *Bus) PublishTerminal(taskID uint32, uid uint64, s reason.State, r reason.Reason) {
	payload, err := json.Marshal(terminalPayload{TaskID: taskID, UID: uid, State: s, Reason: r})
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if err := sub.send(MsgFaults, payload, true); err != nil {
			b.log.Warn("subscriber terminal ack missed", "pid", sub.pid, "task_id", taskID, "err", err)
		}
	}
}
