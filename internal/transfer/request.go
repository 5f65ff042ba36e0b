package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// newClient builds a per-request *http.Client: a fresh transport per
// task so proxy and TLS pinning are request-scoped rather than
// global, and the client is held only for one request's duration.
func newClient(r catalog.Record) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout(r),
		}).DialContext,
	}

	if r.Proxy != "" {
		proxyURL, err := url.Parse(r.Proxy)
		if err != nil {
			return nil, fmt.Errorf("transfer: invalid proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if len(r.CertPins) > 0 {
		transport.TLSClientConfig = &tls.Config{
			VerifyPeerCertificate: pinVerifier(r.CertPins),
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   totalTimeout(r),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !r.Redirect {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("transfer: stopped after 10 redirects")
			}
			return nil
		},
	}, nil
}

func connectTimeout(r catalog.Record) time.Duration {
	if r.Timeout.ConnectSec > 0 {
		return time.Duration(r.Timeout.ConnectSec) * time.Second
	}
	return 15 * time.Second
}

// totalTimeout caps the whole request at the task's remaining
// rest_time (decremented by the task manager after every attempt), so
// a task nearing its budget cannot overshoot it inside one request.
// The configured total timeout is the fallback before the first
// attempt has initialized rest_time.
func totalTimeout(r catalog.Record) time.Duration {
	if r.RestTime > 0 {
		return time.Duration(r.RestTime) * time.Millisecond
	}
	if r.Timeout.TotalSec > 0 {
		return time.Duration(r.Timeout.TotalSec) * time.Second
	}
	return 0
}

// pinVerifier rejects any server certificate whose SHA-256
// fingerprint isn't in pins.
func pinVerifier(pins []string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			sum := sha256.Sum256(raw)
			fp := hex.EncodeToString(sum[:])
			for _, pin := range pins {
				if strings.EqualFold(fp, pin) {
					return nil
				}
			}
		}
		return fmt.Errorf("transfer: server certificate matched none of %d configured pins", len(pins))
	}
}

// newRequest builds the base *http.Request for a task, applying its
// configured headers. Range/If-Range headers for resume are layered
// on by the download flow, not here.
func newRequest(ctx context.Context, r catalog.Record) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method(r), r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: build request: %w", err)
	}
	for _, h := range r.Headers {
		req.Header.Add(h.Key, h.Value)
	}
	return req, nil
}

func method(r catalog.Record) string {
	if r.Method != "" {
		return r.Method
	}
	if r.Action == reason.ActionUpload {
		return http.MethodPut
	}
	return http.MethodGet
}
