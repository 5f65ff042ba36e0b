package transfer

import (
	"context"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// AttemptResult is the outcome of one Engine.Attempt call, carrying
// enough state for the caller (the Task Manager) to persist progress
// and the resume validator via the catalog, and to decide whether
// that outcome warrants a retry per the classification already baked
// into Outcome.
type AttemptResult struct {
	Outcome   Outcome
	Reason    reason.Reason
	Retry     RetryClass
	Size      int64
	TotalSize int64
	MimeType  string
	Extras    map[string]string
	Validator ResumeValidator
	Status    int

	// Upload resume state: the full per-file processed slice and the
	// next file index to send. FileProcessed is nil for downloads and
	// inline-body uploads.
	CurrentIndex  int
	FileProcessed []int64
}

// Engine runs individual transfer attempts; it holds no task state of
// its own (the catalog is the single source of truth), so a
// zero-value Engine is ready to use.
type Engine struct{}

// NewEngine constructs a ready-to-use Engine.
func NewEngine() *Engine { return &Engine{} }

// Attempt performs exactly one transfer attempt for task r against
// destPath (download target, or ignored for uploads), honoring the
// per-task max_speed cap and abort flag.
func (e *Engine) Attempt(ctx context.Context, r catalog.Record, destPath string, abort AbortFunc, onProg ProgressFunc) AttemptResult {
	if r.Action == reason.ActionUpload {
		res := Upload(ctx, r, r.MaxSpeed, abort, onProg)
		return AttemptResult{
			Outcome: res.Outcome, Reason: res.Reason, Retry: res.Retry, Size: res.Size,
			Status: res.StatusCode, CurrentIndex: res.CurrentIndex, FileProcessed: res.FileProcessed,
		}
	}

	var processed int64
	if len(r.Progress.Processed) > 0 {
		processed = r.Progress.Processed[0]
	}
	prev := ResumeValidator{}
	if r.Progress.Extras != nil {
		prev.ETag = r.Progress.Extras["etag"]
		prev.LastModified = r.Progress.Extras["last_modified"]
	}

	res := Download(ctx, r, destPath, processed, prev, r.MaxSpeed, abort, onProg)
	return AttemptResult{
		Outcome: res.Outcome, Reason: res.Reason, Retry: res.Retry, Size: res.Size,
		TotalSize: res.TotalSize, MimeType: res.MimeType, Extras: res.Extras,
		Validator: res.Validator, Status: res.StatusCode,
	}
}
