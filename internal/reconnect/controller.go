// Package reconnect implements the Reconnect Controller (spec.md §4.2):
// quiesce workers, capture the public IP before and after running an
// external reconnect script, and resume. Grounded on
// internal/core/lifecycle.go's signal-wait idiom and internal/security/audit.go's
// os/exec invocation pattern; no teacher component does IP-echo probing —
// modeled on internal/core/engine.go's newRequest/httpClient.Do pattern
// applied to a rotating endpoint list.
package reconnect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"tachyon/internal/config"
)

// WaitingReporter tells the controller whether every active worker is
// currently idle (consuming no bandwidth) — spec.md §4.2's "no slot is
// actively consuming bandwidth" trigger condition.
type WaitingReporter interface {
	AllWaiting(isWaiting func(pluginName string) bool) bool
}

// Config mirrors the reconnect.* settings spec.md §6 lists.
type Config struct {
	Enabled    bool
	Script     string
	WindowFrom string
	WindowTo   string
}

var ipRegexp = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

// defaultEndpoints is the small rotating list of IP-echo services spec.md
// §4.2 step 3 describes ("querying, with retry, a small rotating list of
// IP-echo endpoints and regex-extracting the address").
var defaultEndpoints = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

type Controller struct {
	logger    *slog.Logger
	client    *http.Client
	endpoints []string

	reconnecting atomic.Bool

	// BeforeReconnecting/AfterReconnecting are fired with the probed IP
	// (spec.md §4.2 steps 4 and 6); nil hooks are skipped.
	BeforeReconnecting func(ip string)
	AfterReconnecting  func(ip string)
}

func New(logger *slog.Logger) *Controller {
	return &Controller{
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		endpoints: defaultEndpoints,
	}
}

func (c *Controller) Reconnecting() bool { return c.reconnecting.Load() }

// ShouldTrigger reports spec.md §4.2's trigger condition: reconnect.enabled,
// the configured window is active, and every active slot reports
// wantReconnect=true && waiting=true.
func (c *Controller) ShouldTrigger(cfg Config, now time.Time, wr WaitingReporter, wantReconnect func(pluginName string) bool, isWaiting func(pluginName string) bool) bool {
	if !cfg.Enabled {
		return false
	}
	if !withinWindow(cfg.WindowFrom, cfg.WindowTo, now) {
		return false
	}
	if wr == nil {
		return false
	}
	return wr.AllWaiting(func(pluginName string) bool {
		return wantReconnect(pluginName) && isWaiting(pluginName)
	})
}

// Run executes the full protocol (spec.md §4.2 steps 1-6). onDisable is
// called if the script is missing or fails to launch, so the caller can
// persist reconnect.enabled=false (step 1 / "If the script fails to launch,
// disable reconnect and clear the flag").
func (c *Controller) Run(ctx context.Context, cfg Config, waitForIdle func(ctx context.Context) error, onDisable func()) error {
	if cfg.Script == "" {
		onDisable()
		return fmt.Errorf("reconnect script not configured")
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		onDisable()
		return fmt.Errorf("reconnect script not found: %w", err)
	}

	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	if waitForIdle != nil {
		if err := waitForIdle(ctx); err != nil {
			return err
		}
	}

	beforeIP, err := c.ProbeIP(ctx)
	if err != nil {
		c.logger.Warn("reconnect: failed to capture IP before reconnecting", "error", err)
	}
	if c.BeforeReconnecting != nil {
		c.BeforeReconnecting(beforeIP)
	}

	cmd := exec.CommandContext(ctx, cfg.Script)
	var stdout, stderr strings.Builder
	cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
	cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)

	if err := cmd.Run(); err != nil {
		// The source ignores a non-zero exit status; treat it only as a
		// warning, per spec.md §9 "Shell reconnect script vs. process
		// sandboxing" — never disable reconnect or abort on this alone.
		c.logger.Warn("reconnect script exited non-zero", "error", err, "stderr", stderr.String())
	}

	time.Sleep(1 * time.Second) // link settling, spec.md §4.2 step 5

	afterIP, err := c.ProbeIP(ctx)
	if err != nil {
		c.logger.Warn("reconnect: failed to capture IP after reconnecting", "error", err)
	}
	if c.AfterReconnecting != nil {
		c.AfterReconnecting(afterIP)
	}

	return nil
}

// ProbeIP queries the rotating endpoint list with up to 10 retries at 1s
// back-off (spec.md §4.2 step 3, §5 "Suspension points").
func (c *Controller) ProbeIP(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		endpoint := c.endpoints[attempt%len(c.endpoints)]
		ip, err := c.probeOnce(ctx, endpoint)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return "", fmt.Errorf("IP probe exhausted retries: %w", lastErr)
}

func (c *Controller) probeOnce(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	ip := ipRegexp.FindString(string(body))
	if ip == "" {
		return "", fmt.Errorf("no IP found in response from %s", endpoint)
	}
	return ip, nil
}

func withinWindow(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	sh, sm, ok1 := config.ParseTimeWindow(start)
	eh, em, ok2 := config.ParseTimeWindow(end)
	if !ok1 || !ok2 {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	startMin := sh*60 + sm
	endMin := eh*60 + em
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	return cur >= startMin || cur < endMin
}
