package transfer

import (
	"errors"
	"net/http"
	"testing"

	"taskflowd/internal/reason"
)

func TestClassifyStatusSuccess(t *testing.T) {
	outcome, rs, rc := classify(nil, http.StatusOK, 0, 0)
	if outcome != OutcomeDone || rs != reason.ReasonDefault || rc != RetryNone {
		t.Fatalf("expected Done/Default, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestClassifyStatusServerErrorFailsImmediately(t *testing.T) {
	// 5xx fails immediately with ProtocolError, no retry.
	outcome, rs, rc := classify(nil, http.StatusInternalServerError, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError || rc != RetryNone {
		t.Fatalf("expected Failed/ProtocolError, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestClassifyStatusTimeoutRetriesThenFails(t *testing.T) {
	outcome, _, rc := classify(nil, http.StatusRequestTimeout, 0, 0)
	if outcome != OutcomeRetry || rc != RetryTimeout {
		t.Fatalf("expected Retry on first 408, got %v/%v", outcome, rc)
	}
	outcome, _, rc = classify(nil, http.StatusRequestTimeout, 0, 1)
	if outcome != OutcomeRetry || rc != RetryTimeout {
		t.Fatalf("expected Retry on second 408, got %v/%v", outcome, rc)
	}
	outcome, rs, rc := classify(nil, http.StatusRequestTimeout, 0, maxTimeoutRetries)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError || rc != RetryNone {
		t.Fatalf("expected Failed/ProtocolError once timeout budget exhausted, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestClassifyStatusRangeNotSatisfiable(t *testing.T) {
	outcome, rs, _ := classify(nil, http.StatusRequestedRangeNotSatisfiable, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError {
		t.Fatalf("expected Failed/ProtocolError, got %v/%v", outcome, rs)
	}
}

func TestClassifyStatusClientError(t *testing.T) {
	outcome, rs, _ := classify(nil, http.StatusForbidden, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError {
		t.Fatalf("expected Failed/ProtocolError, got %v/%v", outcome, rs)
	}
}

func TestClassifyStatusRedirect(t *testing.T) {
	outcome, rs, _ := classify(nil, http.StatusFound, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError {
		t.Fatalf("expected Failed/ProtocolError for 3xx, got %v/%v", outcome, rs)
	}
}

func TestClassifyUploadStatusNeverRetries(t *testing.T) {
	outcome, rs := classifyUploadStatus(http.StatusRequestTimeout)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError {
		t.Fatalf("expected upload 408 to fail outright, got %v/%v", outcome, rs)
	}
	outcome, rs = classifyUploadStatus(http.StatusServiceUnavailable)
	if outcome != OutcomeFailed || rs != reason.ReasonProtocolError {
		t.Fatalf("expected upload 5xx to fail outright, got %v/%v", outcome, rs)
	}
}

func TestClassifyTransportErrUserAbort(t *testing.T) {
	outcome, rs, rc := classify(ErrAborted, 0, 0, 0)
	if outcome != OutcomeWaiting || rs != reason.ReasonUserAbort || rc != RetryNone {
		t.Fatalf("expected Waiting/UserAbort, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestClassifyTransportErrLowSpeed(t *testing.T) {
	outcome, rs, rc := classify(ErrLowSpeed, 0, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonLowSpeed || rc != RetryNone {
		t.Fatalf("expected Failed/LowSpeed, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestClassifyTransportErrNoSpace(t *testing.T) {
	outcome, rs, _ := classify(errors.New("write /dev/sda1: no space left on device"), 0, 0, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonInsufficientSpace {
		t.Fatalf("expected Failed/InsufficientSpace, got %v/%v", outcome, rs)
	}
}

func TestClassifyTransportErrDNSRetriesThenFails(t *testing.T) {
	err := errors.New("dial tcp: lookup example.invalid: no such host")
	outcome, _, rc := classify(err, 0, 0, 0)
	if outcome != OutcomeRetry || rc != RetryNetwork {
		t.Fatalf("expected Retry within budget, got %v/%v", outcome, rc)
	}
	outcome, rs, rc := classify(err, 0, maxRetries, 0)
	if outcome != OutcomeFailed || rs != reason.ReasonDNS || rc != RetryNone {
		t.Fatalf("expected Failed/Dns once budget exhausted, got %v/%v/%v", outcome, rs, rc)
	}
}

func TestResumeValidatorStrong(t *testing.T) {
	strong := ResumeValidator{ETag: `"abc123"`}
	weak := ResumeValidator{ETag: `W/"abc123"`}
	if !strong.strong() {
		t.Fatalf("expected strong ETag to be trusted")
	}
	if weak.strong() {
		t.Fatalf("expected weak ETag to not be trusted for resume")
	}
}
