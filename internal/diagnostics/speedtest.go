// Package diagnostics runs an optional network-quality sample used to
// feed the resource-scheduling level (a Device event in
// internal/manager).
package diagnostics

import (
	"fmt"

	"github.com/showwin/speedtest-go/speedtest"
)

// Sample summarizes one speed-test run.
type Sample struct {
	DownloadMbps float64
	UploadMbps   float64
	LatencyMs    float64
	ServerName   string
}

// Run picks the closest test server and measures download/upload
// throughput and latency.
func Run() (Sample, error) {
	client := speedtest.New()

	serverList, err := client.FetchServers()
	if err != nil {
		return Sample{}, fmt.Errorf("diagnostics: fetch servers: %w", err)
	}
	targets, err := serverList.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return Sample{}, fmt.Errorf("diagnostics: no usable server: %w", err)
	}
	target := targets[0]

	if err := target.PingTest(nil); err != nil {
		return Sample{}, fmt.Errorf("diagnostics: ping test: %w", err)
	}
	if err := target.DownloadTest(); err != nil {
		return Sample{}, fmt.Errorf("diagnostics: download test: %w", err)
	}
	if err := target.UploadTest(); err != nil {
		return Sample{}, fmt.Errorf("diagnostics: upload test: %w", err)
	}

	return Sample{
		DownloadMbps: target.DLSpeed.Mbps(),
		UploadMbps:   target.ULSpeed.Mbps(),
		LatencyMs:    float64(target.Latency.Milliseconds()),
		ServerName:   target.Name,
	}, nil
}

// ResourceLevel maps a throughput sample onto the coarse 0/1/2
// resource-scheduling level scale internal/statehandler uses.
func ResourceLevel(s Sample) int {
	switch {
	case s.DownloadMbps >= 50:
		return 2
	case s.DownloadMbps >= 10:
		return 1
	default:
		return 0
	}
}
