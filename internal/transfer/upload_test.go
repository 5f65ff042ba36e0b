package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

func writeUploadFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", name, err)
	}
	return path
}

func uploadRecord(url string, paths ...string) catalog.Record {
	return catalog.Record{
		TaskID: 1, UID: 1, URL: url, Method: http.MethodPut,
		Action: reason.ActionUpload,
		Body:   catalog.BodySpec{FilePaths: paths},
	}
}

// TestUploadPerFileSettlesResumeState fails the second of two files
// and checks the result carries resume state at file granularity: the
// first file fully processed, the index pointing at the failed one.
func TestUploadPerFileSettlesResumeState(t *testing.T) {
	dir := t.TempDir()
	first := writeUploadFile(t, dir, "a.bin", 10)
	second := writeUploadFile(t, dir, "b.bin", 20)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := Upload(context.Background(), uploadRecord(srv.URL, first, second), 0, nil, nil)

	if res.Outcome != OutcomeFailed || res.Reason != reason.ReasonProtocolError {
		t.Fatalf("expected Failed/ProtocolError on second file, got %v/%v", res.Outcome, res.Reason)
	}
	if res.CurrentIndex != 1 {
		t.Fatalf("current index = %d, want 1 (the failed file)", res.CurrentIndex)
	}
	if len(res.FileProcessed) != 2 || res.FileProcessed[0] != 10 || res.FileProcessed[1] != 0 {
		t.Fatalf("per-file processed = %v, want [10 0]", res.FileProcessed)
	}
	if res.Size != 10 {
		t.Fatalf("cumulative size = %d, want 10", res.Size)
	}
}

// TestUploadPerFileResumesFromIndex starts from a persisted
// current_index and verifies already-completed files are not re-sent.
func TestUploadPerFileResumesFromIndex(t *testing.T) {
	dir := t.TempDir()
	first := writeUploadFile(t, dir, "a.bin", 10)
	second := writeUploadFile(t, dir, "b.bin", 20)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := uploadRecord(srv.URL, first, second)
	rec.Progress = catalog.Progress{Processed: []int64{10, 0}, CurrentIndex: 1}

	res := Upload(context.Background(), rec, 0, nil, nil)

	if res.Outcome != OutcomeDone {
		t.Fatalf("expected Done, got %v/%v", res.Outcome, res.Reason)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 request for the remaining file, got %d", got)
	}
	if res.CurrentIndex != 2 || res.FileProcessed[0] != 10 || res.FileProcessed[1] != 20 {
		t.Fatalf("resume state = index %d processed %v, want 2/[10 20]", res.CurrentIndex, res.FileProcessed)
	}
}

// TestUploadBatchMultipartAdvancesIndex sends N files in one batch
// request and checks exactly one request is made and the index lands
// at N with every file settled.
func TestUploadBatchMultipartAdvancesIndex(t *testing.T) {
	dir := t.TempDir()
	first := writeUploadFile(t, dir, "a.bin", 10)
	second := writeUploadFile(t, dir, "b.bin", 20)
	third := writeUploadFile(t, dir, "c.bin", 30)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := uploadRecord(srv.URL, first, second, third)
	rec.Multipart = true

	res := Upload(context.Background(), rec, 0, nil, nil)

	if res.Outcome != OutcomeDone {
		t.Fatalf("expected Done, got %v/%v", res.Outcome, res.Reason)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one batch request, got %d", got)
	}
	if res.CurrentIndex != 3 {
		t.Fatalf("current index = %d, want 3", res.CurrentIndex)
	}
	if len(res.FileProcessed) != 3 || res.FileProcessed[0] != 10 || res.FileProcessed[1] != 20 || res.FileProcessed[2] != 30 {
		t.Fatalf("per-file processed = %v, want [10 20 30]", res.FileProcessed)
	}
}
