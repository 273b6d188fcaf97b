package diagnostics

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// WindowScheduler drives the download time-window's start/stop transitions
// and a recurring speed-test sample via robfig/cron, the same library and
// AddFunc/specFromHour shape internal/core/scheduler.go uses for its
// start/stop cron entries — generalized here to minute granularity and to
// also host the periodic diagnostic speed test SPEC_FULL.md's DOMAIN STACK
// table assigns to speedtest-go.
type WindowScheduler struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu         sync.Mutex
	startEntry cron.EntryID
	stopEntry  cron.EntryID
	testEntry  cron.EntryID
}

func NewWindowScheduler(logger *slog.Logger) *WindowScheduler {
	return &WindowScheduler{logger: logger, cron: cron.New()}
}

func (w *WindowScheduler) Start() { w.cron.Start() }
func (w *WindowScheduler) Stop()  { w.cron.Stop() }

// SetDownloadWindow (re)installs cron entries that call onStart/onStop at
// the configured "HH:MM" boundaries, replacing any previously installed
// pair. An empty hhmm disables that half of the window.
func (w *WindowScheduler) SetDownloadWindow(startHHMM, stopHHMM string, onStart, onStop func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.startEntry != 0 {
		w.cron.Remove(w.startEntry)
		w.startEntry = 0
	}
	if w.stopEntry != 0 {
		w.cron.Remove(w.stopEntry)
		w.stopEntry = 0
	}

	if spec, ok := cronSpecFromHHMM(startHHMM); ok && onStart != nil {
		id, err := w.cron.AddFunc(spec, func() {
			w.logger.Info("download window: resuming")
			onStart()
		})
		if err != nil {
			return fmt.Errorf("schedule download window start: %w", err)
		}
		w.startEntry = id
	}

	if spec, ok := cronSpecFromHHMM(stopHHMM); ok && onStop != nil {
		id, err := w.cron.AddFunc(spec, func() {
			w.logger.Info("download window: pausing")
			onStop()
		})
		if err != nil {
			return fmt.Errorf("schedule download window stop: %w", err)
		}
		w.stopEntry = id
	}

	return nil
}

// ScheduleSpeedTest installs a recurring speed test sample (cron spec, e.g.
// "0 4 * * *" for 4am daily), invoking run each time it fires. An empty spec
// disables the recurring test.
func (w *WindowScheduler) ScheduleSpeedTest(spec string, run func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testEntry != 0 {
		w.cron.Remove(w.testEntry)
		w.testEntry = 0
	}
	if spec == "" || run == nil {
		return nil
	}

	id, err := w.cron.AddFunc(spec, run)
	if err != nil {
		return fmt.Errorf("schedule speed test: %w", err)
	}
	w.testEntry = id
	return nil
}

// cronSpecFromHHMM turns "HH:MM" into a 5-field daily cron spec, the minute-
// granular generalization of internal/core/scheduler.go's specFromHour.
func cronSpecFromHHMM(hhmm string) (string, bool) {
	if hhmm == "" {
		return "", false
	}
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return "", false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%d %d * * *", m, h), true
}
