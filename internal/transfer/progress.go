package transfer

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"taskflowd/internal/catalog"
)

// AbortFunc reports whether a task's abort flag is currently set; the
// transfer loop checks it at every suspension point rather than
// relying solely on context cancellation, since an abort can be
// requested between reads without cancelling the whole request.
type AbortFunc func() bool

// ProgressFunc is invoked with the cumulative bytes transferred so far
// (a download's one file, or an upload's running total across its
// files) after every read that returns data; calls are not spaced or
// rate-limited by any time interval.
type ProgressFunc func(processed int64)

// rateWindow is how often the low-speed floor is evaluated; shorter
// windows make the rate estimate too noisy to act on.
const rateWindow = time.Second

// throttledReader wraps an io.Reader with a token-bucket speed cap
// (the task's configured max_speed), a rolling-minimum low-speed
// floor (min_speed), and abort-checked progress callbacks, one after
// each read that returns data.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	abort   AbortFunc
	onProg  ProgressFunc
	read    int64

	// Low-speed floor: once the observed rate stays below floor for
	// grace, the read fails with ErrLowSpeed.
	floor      int64
	grace      time.Duration
	rateStart  time.Time
	rateBytes  int64
	belowSince time.Time
}

// newThrottledReader wraps r. maxSpeed <= 0 means unlimited;
// minSpeed.BytesPerSec <= 0 disables the low-speed floor.
func newThrottledReader(ctx context.Context, r io.Reader, maxSpeed int64, minSpeed catalog.MinSpeed, abort AbortFunc, onProg ProgressFunc) *throttledReader {
	var lim *rate.Limiter
	if maxSpeed > 0 {
		lim = rate.NewLimiter(rate.Limit(maxSpeed), int(maxSpeed))
	}
	return &throttledReader{
		ctx: ctx, r: r, limiter: lim, abort: abort, onProg: onProg,
		floor: minSpeed.BytesPerSec,
		grace: time.Duration(minSpeed.DurationSec) * time.Second,
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.abort != nil && t.abort() {
		return 0, ErrAborted
	}
	select {
	case <-t.ctx.Done():
		return 0, t.ctx.Err()
	default:
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if t.limiter != nil {
			_ = t.limiter.WaitN(t.ctx, n)
		}
		t.read += int64(n)
		if t.onProg != nil {
			t.onProg(t.read)
		}
		if serr := t.checkFloor(int64(n)); serr != nil {
			return n, serr
		}
	}
	return n, err
}

// checkFloor accumulates the rolling throughput sample and fails with
// ErrLowSpeed once the rate has stayed below the configured floor for
// the full grace duration.
func (t *throttledReader) checkFloor(n int64) error {
	if t.floor <= 0 {
		return nil
	}
	now := time.Now()
	if t.rateStart.IsZero() {
		t.rateStart = now
	}
	t.rateBytes += n

	elapsed := now.Sub(t.rateStart)
	if elapsed < rateWindow {
		return nil
	}
	observed := t.rateBytes * int64(time.Second) / int64(elapsed)
	t.rateStart, t.rateBytes = now, 0

	if observed >= t.floor {
		t.belowSince = time.Time{}
		return nil
	}
	if t.belowSince.IsZero() {
		t.belowSince = now
	}
	if now.Sub(t.belowSince) >= t.grace {
		return ErrLowSpeed
	}
	return nil
}
