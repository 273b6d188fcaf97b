// Package diagnostics provides operator-facing network diagnostics that sit
// alongside the Bandwidth Bucket's configuration (SPEC_FULL.md DOMAIN STACK):
// a speed test an operator runs to decide what to set limit_speed/max_speed
// to, plus a cron-scheduled recurring run of the same test and the download
// time-window's start/stop transitions. Grounded on
// internal/core/network.go's RunSpeedTest (speedtest-go user/server/ping/
// download/upload sequence) and internal/core/scheduler.go's cron.Cron +
// AddFunc usage for window transitions.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// Result mirrors the teacher's SpeedTestResult, persisted via
// storage.SpeedTestHistory.
type Result struct {
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	JitterMs       int64
	ISP            string
	ServerName     string
	ServerLocation string
	Timestamp      time.Time
}

// RunSpeedTest performs a one-shot test against the nearest available
// server: fetch user info for location-based server selection, pick the
// closest server, then ping/download/upload in sequence — identical
// sequencing to internal/core/network.go's RunSpeedTest.
func RunSpeedTest(ctx context.Context) (*Result, error) {
	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: failed to fetch servers: %w", err)
	}

	targets, err := serverList.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("diagnostics: no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return nil, fmt.Errorf("diagnostics: ping test failed: %w", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("diagnostics: download test failed: %w", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("diagnostics: upload test failed: %w", err)
	}

	return &Result{
		DownloadMbps:   float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:     float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:         server.Latency.Milliseconds(),
		JitterMs:       server.Jitter.Milliseconds(),
		ISP:            user.Isp,
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		Timestamp:      time.Now(),
	}, nil
}
