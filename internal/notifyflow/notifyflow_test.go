package notifyflow

import (
	"testing"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

type recordingSink struct {
	progressCalls int
	terminal      *GroupProgress
}

func (s *recordingSink) ShowProgress(groupID string, g GroupProgress) { s.progressCalls++ }
func (s *recordingSink) ShowTerminal(groupID string, g GroupProgress) {
	cp := g
	s.terminal = &cp
}

func TestGroupFinishesOnceAllMembersTerminal(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, time.Millisecond)

	cfg := catalog.GroupNotificationConfig{GroupID: "g1", AttachAble: true}
	f.Register(1, cfg, 2)
	f.Register(2, cfg, 2)

	f.OnTerminal(1, reason.StateCompleted)
	if sink.terminal != nil {
		t.Fatalf("group should not finish with one of two members terminal")
	}

	f.OnTerminal(2, reason.StateFailed)
	if sink.terminal == nil {
		t.Fatalf("expected group to finish once both members terminal")
	}
	if sink.terminal.Successful != 1 || sink.terminal.Failed != 1 {
		t.Fatalf("expected 1 successful, 1 failed, got %+v", sink.terminal)
	}
	if !sink.terminal.IsFinish() {
		t.Fatalf("expected IsFinish() true on terminal snapshot")
	}
}

func TestAttachAbleFalseSuppressesTerminalNotification(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, time.Millisecond)

	cfg := catalog.GroupNotificationConfig{GroupID: "g2", AttachAble: false}
	f.Register(1, cfg, 1)
	f.OnTerminal(1, reason.StateCompleted)

	if sink.terminal != nil {
		t.Fatalf("expected no terminal notification when attach_able is false")
	}
}

func TestGroupPurgedAfterFinish(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, time.Millisecond)

	cfg := catalog.GroupNotificationConfig{GroupID: "g3", AttachAble: true}
	f.Register(1, cfg, 1)
	f.OnTerminal(1, reason.StateCompleted)

	if _, ok := f.groups["g3"]; ok {
		t.Fatalf("expected group state purged after finish")
	}
	if _, ok := f.taskGroup[1]; ok {
		t.Fatalf("expected task->group mapping purged after finish")
	}
}

func TestProgressRateLimited(t *testing.T) {
	sink := &recordingSink{}
	f := New(sink, 50*time.Millisecond)

	cfg := catalog.GroupNotificationConfig{GroupID: "g4", AttachAble: true}
	f.Register(1, cfg, 1)

	f.OnProgress(1, catalog.Progress{})
	f.OnProgress(1, catalog.Progress{})
	if sink.progressCalls != 1 {
		t.Fatalf("expected second immediate progress call to be rate-limited, got %d calls", sink.progressCalls)
	}
}
