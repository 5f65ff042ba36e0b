package catalog

import (
	"testing"

	"taskflowd/internal/reason"
)

// setupTestCatalog builds an in-memory SQLite-backed store, one per
// test, auto-migrated and otherwise empty.
func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func sampleRecord(id uint32) Record {
	return Record{
		TaskID: id, UID: 100, TokenID: "tok", URL: "https://example.com/file",
		Action: reason.ActionDownload, Mode: reason.ModeForeground,
		NetworkConfig: reason.NetworkAny, State: reason.StateInitialized,
		Reason: reason.ReasonDefault, Priority: 1,
		Progress: Progress{Sizes: []int64{100}, Processed: []int64{0}},
	}
}

func TestInsertAndGetInfo(t *testing.T) {
	cat := setupTestCatalog(t)

	rec := sampleRecord(1)
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := cat.GetInfo(1)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if got.URL != rec.URL || got.UID != rec.UID {
		t.Fatalf("GetInfo mismatch: got %+v", got)
	}
	if len(got.Progress.Sizes) != 1 || got.Progress.Sizes[0] != 100 {
		t.Fatalf("progress round-trip mismatch: %+v", got.Progress)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	cat := setupTestCatalog(t)

	rec := sampleRecord(1)
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := cat.Insert(rec); err == nil {
		t.Fatalf("expected second Insert with same task_id to fail")
	}
}

func TestGetInfoNotFound(t *testing.T) {
	cat := setupTestCatalog(t)
	if _, err := cat.GetInfo(999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateState(t *testing.T) {
	cat := setupTestCatalog(t)
	rec := sampleRecord(1)
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := cat.UpdateState(1, reason.StateRunning, reason.ReasonDefault); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, _ := cat.GetInfo(1)
	if got.State != reason.StateRunning {
		t.Fatalf("expected state Running, got %s", got.State)
	}
}

func TestUpdateProgress(t *testing.T) {
	cat := setupTestCatalog(t)
	rec := sampleRecord(1)
	if err := cat.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	p := Progress{Sizes: []int64{100}, Processed: []int64{50}, TotalProcessed: 50}
	if err := cat.UpdateProgress(1, ProgressUpdate{Progress: p, MimeType: "application/zip", Tries: 1}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, _ := cat.GetInfo(1)
	if got.Progress.TotalProcessed != 50 || got.MimeType != "application/zip" || got.Tries != 1 {
		t.Fatalf("UpdateProgress mismatch: %+v", got)
	}
}

func TestStartupRepair(t *testing.T) {
	cat := setupTestCatalog(t)

	stuck := sampleRecord(1)
	stuck.State, stuck.Reason = reason.StateWaiting, reason.ReasonDefault
	if err := cat.Insert(stuck); err != nil {
		t.Fatalf("Insert stuck: %v", err)
	}

	blocked := sampleRecord(2)
	blocked.State, blocked.Reason = reason.StateWaiting, reason.ReasonNetworkOffline
	if err := cat.Insert(blocked); err != nil {
		t.Fatalf("Insert blocked: %v", err)
	}

	n, err := cat.StartupRepair()
	if err != nil {
		t.Fatalf("StartupRepair: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row repaired, got %d", n)
	}

	got, _ := cat.GetInfo(1)
	if got.State != reason.StateFailed {
		t.Fatalf("expected repaired row Failed, got %s", got.State)
	}
	stillBlocked, _ := cat.GetInfo(2)
	if stillBlocked.State != reason.StateWaiting {
		t.Fatalf("blocked-reason row should be untouched, got %s", stillBlocked.State)
	}
}

func TestGetAppQoSInfosFiltersCompetingTasksOnly(t *testing.T) {
	cat := setupTestCatalog(t)

	running := sampleRecord(1)
	running.State = reason.StateRunning
	competing := sampleRecord(2)
	competing.State, competing.Reason = reason.StateWaiting, reason.ReasonRunningTaskLimits
	blocked := sampleRecord(3)
	blocked.State, blocked.Reason = reason.StateWaiting, reason.ReasonNetworkOffline

	for _, r := range []Record{running, competing, blocked} {
		if err := cat.Insert(r); err != nil {
			t.Fatalf("Insert %d: %v", r.TaskID, err)
		}
	}

	infos, err := cat.GetAppQoSInfos(100)
	if err != nil {
		t.Fatalf("GetAppQoSInfos: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 competing tasks, got %d", len(infos))
	}
	for _, info := range infos {
		if info.TaskID == 3 {
			t.Fatalf("network-blocked task should not compete for admission")
		}
	}
}

func TestUpdateMode(t *testing.T) {
	cat := setupTestCatalog(t)
	if err := cat.Insert(sampleRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := cat.UpdateMode(1, reason.ModeBackground); err != nil {
		t.Fatalf("UpdateMode: %v", err)
	}
	got, _ := cat.GetInfo(1)
	if got.Mode != reason.ModeBackground {
		t.Fatalf("expected mode Background, got %s", got.Mode)
	}
}

func TestDumpAll(t *testing.T) {
	cat := setupTestCatalog(t)
	for id := uint32(1); id <= 3; id++ {
		if err := cat.Insert(sampleRecord(id)); err != nil {
			t.Fatalf("Insert %d: %v", id, err)
		}
	}
	recs, err := cat.DumpAll()
	if err != nil {
		t.Fatalf("DumpAll: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(recs))
	}
}

func TestDeleteForUID(t *testing.T) {
	cat := setupTestCatalog(t)
	mine := sampleRecord(1)
	other := sampleRecord(2)
	other.UID = 200
	for _, r := range []Record{mine, other} {
		if err := cat.Insert(r); err != nil {
			t.Fatalf("Insert %d: %v", r.TaskID, err)
		}
	}

	n, err := cat.DeleteForUID(100)
	if err != nil {
		t.Fatalf("DeleteForUID: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}
	if _, err := cat.GetInfo(1); err != ErrNotFound {
		t.Fatalf("uid-100 task should be gone, got %v", err)
	}
	if _, err := cat.GetInfo(2); err != nil {
		t.Fatalf("uid-200 task should survive: %v", err)
	}
}

func TestRemoveForAccount(t *testing.T) {
	cat := setupTestCatalog(t)
	bound := sampleRecord(1)
	bound.AtomicAccount = "acct-a"
	bound.State = reason.StateRunning
	done := sampleRecord(2)
	done.AtomicAccount = "acct-a"
	done.State = reason.StateCompleted
	for _, r := range []Record{bound, done} {
		if err := cat.Insert(r); err != nil {
			t.Fatalf("Insert %d: %v", r.TaskID, err)
		}
	}

	n, err := cat.RemoveForAccount("acct-a")
	if err != nil {
		t.Fatalf("RemoveForAccount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the live task removed, got %d", n)
	}
	got, _ := cat.GetInfo(1)
	if got.State != reason.StateRemoved {
		t.Fatalf("expected Removed, got %s", got.State)
	}
	terminal, _ := cat.GetInfo(2)
	if terminal.State != reason.StateCompleted {
		t.Fatalf("terminal task should be untouched, got %s", terminal.State)
	}
}

func TestAttachGroupAndMembers(t *testing.T) {
	cat := setupTestCatalog(t)
	cfg := GroupNotificationConfig{GroupID: "g1", Title: "batch", AttachAble: true}
	if err := cat.AttachGroup(cfg, []uint32{1, 2, 3}); err != nil {
		t.Fatalf("AttachGroup: %v", err)
	}
	ids, err := cat.GroupMembers("g1")
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 members, got %d", len(ids))
	}
}

func TestSettingRoundTrip(t *testing.T) {
	cat := setupTestCatalog(t)
	if got := cat.Setting("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
	if err := cat.SetSetting("k", "v"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if got := cat.Setting("k"); got != "v" {
		t.Fatalf("expected %q, got %q", "v", got)
	}
}
