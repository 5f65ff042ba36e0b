package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// UploadResult reports how one upload attempt ended. FileProcessed is
// the full per-file processed slice (parallel to the task's file
// paths) and CurrentIndex the next file to send, so the caller can
// persist resume state at file granularity; Size is the cumulative
// total across all files.
type UploadResult struct {
	Outcome       Outcome
	Reason        reason.Reason
	Retry         RetryClass
	Size          int64
	CurrentIndex  int
	FileProcessed []int64
	StatusCode    int
}

func sumInt64(vals []int64) int64 {
	var total int64
	for _, v := range vals {
		total += v
	}
	return total
}

// seedProcessed extends the persisted per-file processed slice to one
// slot per configured file path.
func seedProcessed(r catalog.Record) []int64 {
	processed := make([]int64, len(r.Body.FilePaths))
	copy(processed, r.Progress.Processed)
	return processed
}

// Upload runs a single upload attempt for task, choosing per-file or
// batch-multipart transfer per r.Multipart, an explicit flag that is
// never sniffed from the request.
func Upload(ctx context.Context, r catalog.Record, maxSpeed int64, abort AbortFunc, onProg ProgressFunc) UploadResult {
	if r.Multipart {
		return uploadBatchMultipart(ctx, r, maxSpeed, abort, onProg)
	}
	return uploadPerFile(ctx, r, maxSpeed, abort, onProg)
}

// wantsMultipartWrap reports whether a single per-file request should
// still be wrapped as its own multipart/form-data body (form items
// plus the file, when the configured Content-Type says multipart or
// the method is POST) as opposed to a bare octet-stream body.
func wantsMultipartWrap(r catalog.Record) bool {
	for _, h := range r.Headers {
		if http.CanonicalHeaderKey(h.Key) == "Content-Type" && h.Value == "multipart/form-data" {
			return true
		}
	}
	return method(r) == http.MethodPost
}

// uploadPerFile streams each configured file path as its own request,
// resuming from the current file index and each file's
// previously-processed offset.
func uploadPerFile(ctx context.Context, r catalog.Record, maxSpeed int64, abort AbortFunc, onProg ProgressFunc) UploadResult {
	client, err := newClient(r)
	if err != nil {
		return UploadResult{Outcome: OutcomeFailed, Reason: reason.ReasonBuildRequestFailed}
	}
	wrap := wantsMultipartWrap(r)

	// An inline string body is a single request with no file handling.
	if len(r.Body.FilePaths) == 0 {
		return uploadInline(ctx, r, client)
	}

	processed := seedProcessed(r)
	index := r.Progress.CurrentIndex

	// settle captures resume state at the point the attempt stopped,
	// so a follow-up attempt picks up at this file and offset.
	settle := func(outcome Outcome, rs reason.Reason, rc RetryClass, status int) UploadResult {
		return UploadResult{
			Outcome: outcome, Reason: rs, Retry: rc, StatusCode: status,
			Size: sumInt64(processed), CurrentIndex: index, FileProcessed: processed,
		}
	}

	for ; index < len(r.Body.FilePaths); index++ {
		path := r.Body.FilePaths[index]

		f, statSize, err := openForUpload(path)
		if err != nil {
			return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
		}

		start := processed[index]
		if start == 0 && index == r.Progress.CurrentIndex && r.Begins > 0 {
			start = r.Begins
		}
		if start > 0 {
			if _, err := f.Seek(start, io.SeekStart); err != nil {
				f.Close()
				return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
			}
		}

		req, err := newRequest(ctx, r)
		if err != nil {
			f.Close()
			return settle(OutcomeFailed, reason.ReasonBuildRequestFailed, RetryNone, 0)
		}

		remaining := statSize - start
		var body io.Reader = f
		contentLength := remaining
		if wrap {
			buf, ctype, werr := wrapMultipart(r, path, f)
			f.Close()
			if werr != nil {
				return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
			}
			req.Header.Set("Content-Type", ctype)
			body = buf
			contentLength = int64(buf.Len())
		}

		sent := sumInt64(processed)
		tr := newThrottledReader(ctx, body, maxSpeed, r.MinSpeed, abort, func(n int64) {
			if onProg != nil {
				onProg(sent + n)
			}
		})
		req.Body = io.NopCloser(tr)
		req.ContentLength = contentLength

		resp, err := client.Do(req)
		if !wrap {
			f.Close()
		}
		if err != nil {
			outcome, rs, rc := classify(err, 0, r.Tries, r.TimeoutTries)
			return settle(outcome, rs, rc, 0)
		}

		if index < len(r.Body.ResponseBodyPaths) {
			if werr := recordResponseBody(resp, r.Body.ResponseBodyPaths[index]); werr != nil {
				resp.Body.Close()
				return settle(OutcomeFailed, reason.ReasonIOError, RetryNone, 0)
			}
		}
		resp.Body.Close()

		// Uploads never retry on an HTTP status error, regardless of
		// the task's retry flag.
		if outcome, rs := classifyUploadStatus(resp.StatusCode); outcome != OutcomeDone {
			return settle(outcome, rs, RetryNone, resp.StatusCode)
		}

		processed[index] = statSize
	}

	return settle(OutcomeDone, reason.ReasonDefault, RetryNone, http.StatusOK)
}

// uploadInline sends the task's inline string body as one request.
func uploadInline(ctx context.Context, r catalog.Record, client *http.Client) UploadResult {
	req, err := newRequest(ctx, r)
	if err != nil {
		return UploadResult{Outcome: OutcomeFailed, Reason: reason.ReasonBuildRequestFailed}
	}
	body := []byte(r.Body.Inline)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	resp, err := client.Do(req)
	if err != nil {
		outcome, rs, rc := classify(err, 0, r.Tries, r.TimeoutTries)
		return UploadResult{Outcome: outcome, Reason: rs, Retry: rc}
	}
	if len(r.Body.ResponseBodyPaths) > 0 {
		if werr := recordResponseBody(resp, r.Body.ResponseBodyPaths[0]); werr != nil {
			resp.Body.Close()
			return UploadResult{Outcome: OutcomeFailed, Reason: reason.ReasonIOError}
		}
	}
	resp.Body.Close()

	if outcome, rs := classifyUploadStatus(resp.StatusCode); outcome != OutcomeDone {
		return UploadResult{Outcome: outcome, Reason: rs, StatusCode: resp.StatusCode}
	}
	return UploadResult{Outcome: OutcomeDone, Reason: reason.ReasonDefault, Size: int64(len(body)), StatusCode: resp.StatusCode}
}

// wrapMultipart builds a single-file multipart/form-data body carrying
// the task's configured form fields plus the file at path (already
// seeked to its resume offset).
func wrapMultipart(r catalog.Record, path string, f *os.File) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, value := range r.Body.MultipartForm {
		if err := w.WriteField(field, value); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// uploadBatchMultipart assembles every file from the current index
// onward (plus any form fields) into a single multipart/form-data
// request body: exactly one request is made regardless of file count.
func uploadBatchMultipart(ctx context.Context, r catalog.Record, maxSpeed int64, abort AbortFunc, onProg ProgressFunc) UploadResult {
	processed := seedProcessed(r)
	index := r.Progress.CurrentIndex

	// The single batch request either lands whole or not at all, so
	// resume state only advances on success.
	settle := func(outcome Outcome, rs reason.Reason, rc RetryClass, status int) UploadResult {
		return UploadResult{
			Outcome: outcome, Reason: rs, Retry: rc, StatusCode: status,
			Size: sumInt64(processed), CurrentIndex: index, FileProcessed: processed,
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for field, value := range r.Body.MultipartForm {
		if err := w.WriteField(field, value); err != nil {
			return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
		}
	}

	fileSizes := make([]int64, len(r.Body.FilePaths))
	for i := index; i < len(r.Body.FilePaths); i++ {
		path := r.Body.FilePaths[i]
		f, statSize, err := openForUpload(path)
		if err != nil {
			return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
		}
		part, err := w.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			f.Close()
			return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return settle(OutcomeFailed, reason.ReasonIOError, RetryNone, 0)
		}
		fileSizes[i] = statSize
	}
	if err := w.Close(); err != nil {
		return settle(OutcomeFailed, reason.ReasonUploadFileError, RetryNone, 0)
	}

	client, err := newClient(r)
	if err != nil {
		return settle(OutcomeFailed, reason.ReasonBuildRequestFailed, RetryNone, 0)
	}

	req, err := newRequest(ctx, r)
	if err != nil {
		return settle(OutcomeFailed, reason.ReasonBuildRequestFailed, RetryNone, 0)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	tr := newThrottledReader(ctx, &buf, maxSpeed, r.MinSpeed, abort, onProg)
	req.Body = io.NopCloser(tr)
	req.ContentLength = int64(buf.Len())

	resp, err := client.Do(req)
	if err != nil {
		outcome, rs, rc := classify(err, 0, r.Tries, r.TimeoutTries)
		return settle(outcome, rs, rc, 0)
	}

	if len(r.Body.ResponseBodyPaths) > 0 {
		if werr := recordResponseBody(resp, r.Body.ResponseBodyPaths[0]); werr != nil {
			resp.Body.Close()
			return settle(OutcomeFailed, reason.ReasonIOError, RetryNone, 0)
		}
	}
	resp.Body.Close()

	if outcome, rs := classifyUploadStatus(resp.StatusCode); outcome != OutcomeDone {
		return settle(outcome, rs, RetryNone, resp.StatusCode)
	}

	for i := index; i < len(r.Body.FilePaths); i++ {
		processed[i] = fileSizes[i]
	}
	index = len(r.Body.FilePaths)
	return settle(OutcomeDone, reason.ReasonDefault, RetryNone, resp.StatusCode)
}

// recordResponseBody copies resp's body into path, truncating any
// existing content; one recorded body file per request.
func recordResponseBody(resp *http.Response, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("transfer: create response body file: %w", err)
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func openForUpload(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("transfer: open upload file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("transfer: stat upload file: %w", err)
	}
	return f, info.Size(), nil
}
