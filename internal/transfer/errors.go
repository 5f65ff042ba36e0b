// Package transfer drives individual HTTP transfer attempts: request
// construction, range-resume download, per-file and batch-multipart
// upload, the error classification table, and the bounded retry
// budget. One attempt is one request, except that a per-file upload
// sends one request per remaining file; the task manager owns the
// between-attempt policy.
package transfer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"taskflowd/internal/reason"
)

// ErrLinkExpired reports that a resume validator (ETag/Last-Modified)
// no longer matches the server's current representation, so any
// partial data must be discarded.
var ErrLinkExpired = errors.New("transfer: resume link expired, restart required")

// ErrAborted is returned when a task's abort flag was observed at a
// suspension point.
var ErrAborted = errors.New("transfer: aborted")

// ErrLowSpeed is returned by the transfer loop once the observed rate
// has stayed below the task's configured min_speed floor for its full
// grace duration.
var ErrLowSpeed = errors.New("transfer: below low speed limit")

// Outcome tags how a single attempt ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeRetry
	OutcomeWaiting
	OutcomeFailed
)

// RetryClass distinguishes which of the two independent retry budgets
// (Tries, for four attempts in all, and TimeoutTries, capped at 2) an OutcomeRetry
// counts against, so the task manager, which owns the catalog
// counters, can reset the 408 counter on any non-408 outcome.
type RetryClass int

const (
	RetryNone RetryClass = iota
	RetryNetwork
	RetryTimeout
)

// classify maps an attempt's HTTP status or transport error onto
// retry vs Fail(reason) vs Waiting. Task state is never a raw Go
// error; everything funnels into the closed Reason enum plus an
// Outcome here.
func classify(err error, statusCode int, triesSoFar, timeoutTriesSoFar int) (Outcome, reason.Reason, RetryClass) {
	if err != nil {
		return classifyTransportErr(err, triesSoFar)
	}
	return classifyStatus(statusCode, timeoutTriesSoFar)
}

func classifyTransportErr(err error, triesSoFar int) (Outcome, reason.Reason, RetryClass) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return OutcomeWaiting, reason.ReasonUserAbort, RetryNone
	}
	if errors.Is(err, ErrLowSpeed) {
		return OutcomeFailed, reason.ReasonLowSpeed, RetryNone
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no space left on device") {
		return OutcomeFailed, reason.ReasonInsufficientSpace, RetryNone
	}

	// Transport-level Timeout (connect or read deadline) fails
	// immediately; it is distinct from the HTTP 408 status, which
	// gets its own retry budget in classifyStatus.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeFailed, reason.ReasonContinuousTaskTimeout, RetryNone
	}

	// triesSoFar counts the network retries already made, so another
	// retry is allowed only while the next attempt still fits inside
	// the maxRetries attempt budget.
	retryable := triesSoFar+1 < maxRetries

	switch {
	case strings.Contains(msg, "stopped after") && strings.Contains(msg, "redirect"):
		return OutcomeFailed, reason.ReasonRedirectError, RetryNone
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "lookup"):
		// Checked ahead of the request-error case: a lookup error names
		// the host, and a host such as example.invalid contains "invalid".
		if retryable {
			return OutcomeRetry, reason.ReasonDefault, RetryNetwork
		}
		return OutcomeFailed, reason.ReasonDNS, RetryNone
	case strings.Contains(msg, "unsupported protocol scheme"), strings.Contains(msg, "invalid"):
		return OutcomeFailed, reason.ReasonRequestError, RetryNone
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		if retryable {
			return OutcomeRetry, reason.ReasonDefault, RetryNetwork
		}
		return OutcomeFailed, reason.ReasonSSL, RetryNone
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "connect:"):
		if retryable {
			return OutcomeRetry, reason.ReasonDefault, RetryNetwork
		}
		return OutcomeFailed, reason.ReasonTCP, RetryNone
	case strings.Contains(msg, "below low speed limit"), strings.Contains(msg, "low speed"):
		return OutcomeFailed, reason.ReasonLowSpeed, RetryNone
	default:
		// Body-transfer-class errors (unexpected EOF, reset mid-copy,
		// etc.): network-retry, then OthersError.
		if retryable {
			return OutcomeRetry, reason.ReasonDefault, RetryNetwork
		}
		return OutcomeFailed, reason.ReasonOthersError, RetryNone
	}
}

// classifyStatus implements the download flow's HTTP-outcome table:
// only 408 ever retries, on its own small budget; every other
// 3xx/4xx/5xx fails immediately with ProtocolError.
func classifyStatus(statusCode int, timeoutTriesSoFar int) (Outcome, reason.Reason, RetryClass) {
	switch {
	case statusCode == 0:
		return OutcomeDone, reason.ReasonDefault, RetryNone
	case statusCode >= 200 && statusCode < 300:
		return OutcomeDone, reason.ReasonDefault, RetryNone
	case statusCode == http.StatusRequestTimeout:
		if timeoutTriesSoFar < maxTimeoutRetries {
			return OutcomeRetry, reason.ReasonDefault, RetryTimeout
		}
		return OutcomeFailed, reason.ReasonProtocolError, RetryNone
	default:
		// 3xx, every other 4xx, and 5xx all fail immediately with
		// ProtocolError; the client already followed redirects itself
		// (CheckRedirect), so a 3xx reaching here means redirects were
		// disabled for the task; an exhausted redirect chain surfaces as
		// a transport error and is classified RedirectError instead.
		return OutcomeFailed, reason.ReasonProtocolError, RetryNone
	}
}

// classifyUploadStatus implements the upload flow's stricter rule: on
// a status error no retry is performed regardless of the task's retry
// flag, including 408, unlike the download flow.
func classifyUploadStatus(statusCode int) (Outcome, reason.Reason) {
	if statusCode >= 200 && statusCode < 300 {
		return OutcomeDone, reason.ReasonDefault
	}
	return OutcomeFailed, reason.ReasonProtocolError
}

const (
	// maxRetries is the bounded attempt budget for ordinary transient
	// failures: four attempts in total, the first one included.
	maxRetries = 4
	// maxTimeoutRetries is the separate, smaller budget for HTTP 408
	// responses.
	maxTimeoutRetries = 2
)
