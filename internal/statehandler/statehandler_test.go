package statehandler

import (
	"testing"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

func setupCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestRunningTaskBlockedByNetworkGoesWaiting(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 1, NetworkConfig: reason.NetworkWifi,
		Mode: reason.ModeBackground, State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetNetwork(true, reason.NetworkCellular); err != nil {
		t.Fatalf("SetNetwork: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateWaiting {
		t.Fatalf("expected Waiting, got %s", got.State)
	}
	if got.Reason != reason.ReasonNetworkOffline {
		t.Fatalf("expected ReasonNetworkOffline, got %s", got.Reason)
	}
}

func TestForegroundTaskStaysRunningWithinGraceWindow(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 42, NetworkConfig: reason.NetworkAny,
		Mode: reason.ModeForeground, State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetForeground(42, true); err != nil {
		t.Fatalf("SetForeground(true): %v", err)
	}
	if err := tracker.SetForeground(42, false); err != nil {
		t.Fatalf("SetForeground(false): %v", err)
	}
	// Grace window has not elapsed yet: still foreground.
	got, _ := cat.GetInfo(1)
	if got.State != reason.StateRunning {
		t.Fatalf("expected still Running within grace window, got %s", got.State)
	}
}

func TestBlockedTaskClearsOnceUnblocked(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 1, NetworkConfig: reason.NetworkAny,
		AtomicAccount: "acct-1", Mode: reason.ModeBackground,
		State: reason.StateWaiting, Reason: reason.ReasonAccountStopped,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetAccountActive("acct-1", true); err != nil {
		t.Fatalf("SetAccountActive: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateWaiting || got.Reason != reason.ReasonRunningTaskLimits {
		t.Fatalf("expected Waiting+RunningTaskMeetLimits once unblocked, got %s/%s", got.State, got.Reason)
	}
}

func TestV1UploadFailsInsteadOfWaitingOnNetworkLoss(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 1, NetworkConfig: reason.NetworkWifi,
		Action: reason.ActionUpload, Version: reason.VersionV1,
		Mode: reason.ModeBackground, Retry: true,
		State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetNetwork(true, reason.NetworkCellular); err != nil {
		t.Fatalf("SetNetwork: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateFailed {
		t.Fatalf("expected Failed for V1 upload on network loss, got %s", got.State)
	}
	if got.Reason != reason.ReasonNetworkOffline {
		t.Fatalf("expected ReasonNetworkOffline, got %s", got.Reason)
	}
}

func TestV2ForegroundFailsOnAppBackground(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 42, NetworkConfig: reason.NetworkAny,
		Action: reason.ActionDownload, Version: reason.VersionV2, Retry: true,
		Mode: reason.ModeForeground, State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetForeground(42, true); err != nil {
		t.Fatalf("SetForeground(true): %v", err)
	}
	if err := tracker.SetForeground(42, false); err != nil {
		t.Fatalf("SetForeground(false): %v", err)
	}
	// Force the grace window to have already elapsed by directly
	// recomputing against an expired expiry.
	tracker.foreground[42] = tracker.foreground[42].Add(-2 * ForegroundGrace)
	if err := tracker.recompute(); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateFailed {
		t.Fatalf("expected Failed for V2 foreground task backgrounded, got %s", got.State)
	}
	if got.Reason != reason.ReasonAppBackground {
		t.Fatalf("expected ReasonAppBackgroundOrTerminate, got %s", got.Reason)
	}
}

func TestV2BackgroundRetryWaitsOnNetworkLoss(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 1, NetworkConfig: reason.NetworkWifi,
		Action: reason.ActionDownload, Version: reason.VersionV2, Retry: true,
		Mode: reason.ModeBackground, State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetNetwork(true, reason.NetworkCellular); err != nil {
		t.Fatalf("SetNetwork: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateWaiting {
		t.Fatalf("expected Waiting for V2 background+retry task, got %s", got.State)
	}
}

func TestForceBackgroundSkipsGraceWindow(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 42, NetworkConfig: reason.NetworkAny,
		Action: reason.ActionDownload, Version: reason.VersionV2, Retry: true,
		Mode: reason.ModeForeground, State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetForeground(42, true); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}
	if err := tracker.ForceBackground(42); err != nil {
		t.Fatalf("ForceBackground: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateFailed {
		t.Fatalf("expected immediate transition with no grace window, got %s", got.State)
	}
	if got.Reason != reason.ReasonAppBackground {
		t.Fatalf("expected ReasonAppBackgroundOrTerminate, got %s", got.Reason)
	}
}

func TestComposedReasonForMultipleBlockers(t *testing.T) {
	cat := setupCatalog(t)
	rec := catalog.Record{
		TaskID: 1, UID: 7, NetworkConfig: reason.NetworkWifi,
		AtomicAccount: "acct-1", Mode: reason.ModeForeground,
		State: reason.StateRunning, Reason: reason.ReasonDefault,
	}
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tracker := New(cat)
	if err := tracker.SetNetwork(true, reason.NetworkCellular); err != nil {
		t.Fatalf("SetNetwork: %v", err)
	}
	if err := tracker.SetAccountActive("acct-1", false); err != nil {
		t.Fatalf("SetAccountActive: %v", err)
	}
	if err := tracker.SetForeground(7, false); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.Reason != reason.ReasonNetworkAppAccount {
		t.Fatalf("expected composed NetworkAppAccount reason, got %s", got.Reason)
	}
}
