package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// ResumeValidator is the persisted ETag/Last-Modified pair used to
// decide whether a partial download can be resumed or must restart; a
// strong ETag validator always wins over a weak Last-Modified one.
type ResumeValidator struct {
	ETag         string
	LastModified string
}

// strong reports whether the validator can be trusted for a
// byte-range resume (a weak ETag, prefixed "W/", cannot).
func (v ResumeValidator) strong() bool {
	return v.ETag != "" && v.ETag[0] != 'W'
}

// DownloadResult reports how one download attempt ended.
type DownloadResult struct {
	Outcome    Outcome
	Reason     reason.Reason
	Retry      RetryClass
	Size       int64
	TotalSize  int64 // content-length-derived full size, -1 if unknown
	MimeType   string
	Extras     map[string]string
	Validator  ResumeValidator
	StatusCode int
}

// Download runs (or resumes) a single-stream, byte-range download of
// task to destPath. processed is the number of bytes already on disk
// from a previous attempt; prev is the validator recorded then, or
// the zero value on a first attempt.
func Download(ctx context.Context, r catalog.Record, destPath string, processed int64, prev ResumeValidator, maxSpeed int64, abort AbortFunc, onProg ProgressFunc) DownloadResult {
	if ok, free := hasDiskSpace(destPath, r.Progress.Sizes); !ok {
		_ = free
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonInsufficientSpace}
	}

	client, err := newClient(r)
	if err != nil {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonBuildRequestFailed}
	}

	req, err := newRequest(ctx, r)
	if err != nil {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonBuildRequestFailed}
	}

	// A caller-specified byte range (Begins/Ends) is a hard
	// requirement: the server MUST answer 206 or the task fails
	// outright, never silently restarting. An opportunistic resume
	// (continuing a prior partial attempt via a stored validator) is
	// the lenient case: a 200 just means restart from scratch.
	rangeRequired := r.Begins > 0 || r.Ends > 0
	resuming := processed > 0 && (prev.ETag != "" || prev.LastModified != "")

	switch {
	case rangeRequired:
		end := r.Ends
		start := r.Begins + processed
		if end > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	case resuming:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", processed))
		if prev.strong() {
			req.Header.Set("If-Range", prev.ETag)
		} else if prev.LastModified != "" {
			req.Header.Set("If-Range", prev.LastModified)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		outcome, rs, rc := classify(err, 0, r.Tries, r.TimeoutTries)
		return DownloadResult{Outcome: outcome, Reason: rs, Retry: rc}
	}
	defer resp.Body.Close()

	validator := ResumeValidator{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}

	switch {
	case rangeRequired && resp.StatusCode != http.StatusPartialContent:
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonUnsupportedRange, StatusCode: resp.StatusCode}
	case resuming && resp.StatusCode == http.StatusOK:
		// Server ignored the opportunistic range/validator: restart.
		processed = 0
	case resuming && resp.StatusCode != http.StatusPartialContent:
		outcome, rs, rc := classify(nil, resp.StatusCode, r.Tries, r.TimeoutTries)
		return DownloadResult{Outcome: outcome, Reason: rs, Retry: rc, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= 300 {
		outcome, rs, rc := classify(nil, resp.StatusCode, r.Tries, r.TimeoutTries)
		return DownloadResult{Outcome: outcome, Reason: rs, Retry: rc, StatusCode: resp.StatusCode}
	}

	// Derive the full size from Content-Length (adding back any bytes
	// already on disk for a 206 response), require it when the task
	// demands a precise size, and carry the mime type and lower-cased
	// response headers through to the catalog's progress extras (also
	// where the next attempt's If-Range validator comes from, via
	// ResumeValidator above).
	totalSize := int64(-1)
	if resp.ContentLength >= 0 {
		totalSize = processed + resp.ContentLength
	}
	if r.Precise && totalSize < 0 {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonGetFileSizeFailed, StatusCode: resp.StatusCode}
	}
	mimeType := resp.Header.Get("Content-Type")
	extras := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		extras[strings.ToLower(k)] = strings.Join(v, ",")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if processed > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonIOError}
	}
	defer f.Close()

	tr := newThrottledReader(ctx, resp.Body, maxSpeed, r.MinSpeed, abort, func(n int64) {
		if onProg != nil {
			onProg(processed + n)
		}
	})

	written, err := io.Copy(f, tr)
	total := processed + written

	if err != nil {
		if errors.Is(err, ErrAborted) {
			return DownloadResult{Outcome: OutcomeWaiting, Reason: reason.ReasonUserAbort, Size: total, TotalSize: totalSize, MimeType: mimeType, Extras: extras, Validator: validator}
		}
		if isNoSpace(err) {
			return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonInsufficientSpace, Size: total, TotalSize: totalSize}
		}
		outcome, rs, rc := classify(err, 0, r.Tries, r.TimeoutTries)
		return DownloadResult{Outcome: outcome, Reason: rs, Retry: rc, Size: total, TotalSize: totalSize, MimeType: mimeType, Extras: extras, Validator: validator}
	}

	if err := f.Sync(); err != nil {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonIOError, Size: total, TotalSize: totalSize}
	}
	if info, err := os.Stat(destPath); err != nil || !info.Mode().IsRegular() {
		return DownloadResult{Outcome: OutcomeFailed, Reason: reason.ReasonIOError, Size: total, TotalSize: totalSize}
	}

	return DownloadResult{
		Outcome: OutcomeDone, Reason: reason.ReasonDefault,
		Size: total, TotalSize: totalSize, MimeType: mimeType, Extras: extras,
		Validator: validator, StatusCode: resp.StatusCode,
	}
}

// hasDiskSpace pre-checks free space against the task's known total
// size before writing a single byte, so an obviously doomed transfer
// fails fast instead of at the first short write.
func hasDiskSpace(destPath string, sizes []int64) (bool, uint64) {
	var need int64
	for _, s := range sizes {
		if s > 0 {
			need += s
		}
	}
	if need <= 0 {
		return true, 0
	}

	usage, err := disk.Usage(filepath.Dir(destPath))
	if err != nil {
		// Can't determine free space; let the write itself surface
		// ENOSPC via isNoSpace instead of blocking the task.
		return true, 0
	}
	return usage.Free > uint64(need), usage.Free
}

// isNoSpace recognizes the OS's own ENOSPC wherever it surfaces in an
// error chain, a fallback alongside the gopsutil pre-check.
func isNoSpace(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no space left on device")
}
