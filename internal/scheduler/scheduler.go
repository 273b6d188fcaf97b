// Package scheduler implements the Job Scheduler / Thread Manager (spec.md
// §4.1): a pool of Worker Slots, a periodic tick control loop, and the
// assignment algorithm that hands files to slots under plugin/account/disk
// constraints. Grounded on internal/core/engine.go's queueWorker dispatch
// loop and internal/core/queue.go's PriorityQueue (superseded here by
// storage.Store.NextJob, which owns ordering per spec.md §4.1 step 3), plus
// internal/filesystem/allocator.go's disk-space check.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"tachyon/internal/captcha"
	"tachyon/internal/config"
	"tachyon/internal/events"
	"tachyon/internal/infocache"
	"tachyon/internal/plugin"
	"tachyon/internal/reconnect"
	"tachyon/internal/storage"
)

// SlotState mirrors WorkerSlot.state (spec.md §3).
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotActive
)

// Slot is a long-lived executor of at most one job at a time (spec.md §3,
// glossary "Worker Slot"). State is single-writer: only the slot's own
// goroutine mutates state/currentFile; the Scheduler takes snapshot reads.
type Slot struct {
	id          int
	state       atomicState
	currentFile string
	pluginName  string
	quit        chan struct{}
}

type atomicState struct {
	mu sync.RWMutex
	v  SlotState
}

func (a *atomicState) Get() SlotState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

func (a *atomicState) Set(v SlotState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

// AccountLimits reports limitDL (per-plugin concurrency cap; 0 = unlimited)
// for a plugin name, per spec.md §4.1 step 2. A nil AccountLimits means
// every plugin is unlimited.
type AccountLimits interface {
	LimitDL(pluginName string) int
}

// Scheduler owns the slot pool and runs the periodic control step described
// in spec.md §4.1 ("tick() ... Performs the four steps above in order").
type Scheduler struct {
	logger  *slog.Logger
	store   *storage.Storage
	cfg     *config.Manager
	plugins *plugin.Registry
	bus     *events.Bus
	limits  AccountLimits

	mu     sync.Mutex
	slots  []*Slot
	paused bool
	nextID int

	downloader DownloadFunc

	// captchaBroker/infoCache back the expiry half of tick() step 4 (spec.md
	// §4.1: "expires the info cache" — the captcha timeout sweep rides
	// along on the same control step). Both nil-safe: a Scheduler wired
	// without them simply skips that sweep.
	captchaBroker *captcha.Broker
	infoCache     *infocache.Cache

	// reconnectCtl/reconnectCfg/wantReconnect back tick() step 1 (spec.md
	// §4.1/§4.2). wantReconnect reports whether the plugin currently
	// occupying a slot wants a reconnect at all; AllWaiting (above) reports
	// whether every active slot is idle.
	reconnectCtl  *reconnect.Controller
	reconnectCfg  func() reconnect.Config
	wantReconnect func(pluginName string) bool
}

// WireCaptcha attaches the Captcha Task Broker whose timeout sweep rides
// along on the scheduler's tick (spec.md §4.1 step 4 groups captcha
// timeout/info cache expiry under the same control step).
func (s *Scheduler) WireCaptcha(b *captcha.Broker) { s.captchaBroker = b }

// WireInfoCache attaches the Info/Result Cache whose 5-minute expiry is
// driven by the scheduler's tick (spec.md §4.1 step 4, §4.5).
func (s *Scheduler) WireInfoCache(c *infocache.Cache) { s.infoCache = c }

// WireReconnect attaches the Reconnect Controller plus the config/want
// callbacks tick() step 1 needs to evaluate spec.md §4.2's trigger
// condition.
func (s *Scheduler) WireReconnect(ctl *reconnect.Controller, cfgFn func() reconnect.Config, wantReconnect func(pluginName string) bool) {
	s.reconnectCtl = ctl
	s.reconnectCfg = cfgFn
	s.wantReconnect = wantReconnect
}

// DownloadFunc executes one Job on behalf of a slot; wired to the chunker
// package's Downloader by the caller at construction, keeping scheduler free
// of a direct chunker dependency (spec.md §9: break circular references by
// the slot owning the job, reporting back one-way).
type DownloadFunc func(ctx context.Context, job *plugin.Job) error

func New(logger *slog.Logger, store *storage.Storage, cfg *config.Manager, plugins *plugin.Registry, bus *events.Bus, limits AccountLimits, downloader DownloadFunc) *Scheduler {
	return &Scheduler{
		logger:     logger,
		store:      store,
		cfg:        cfg,
		plugins:    plugins,
		bus:        bus,
		limits:     limits,
		downloader: downloader,
		paused:     true, // spec.md §4.1 start(): "set paused=true"
	}
}

// Start creates the initial N slots, matching spec.md §4.1 start().
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cfg.GetMaxDownloads()
	for i := 0; i < n; i++ {
		s.addSlotLocked()
	}
}

func (s *Scheduler) addSlotLocked() *Slot {
	s.nextID++
	slot := &Slot{id: s.nextID, quit: make(chan struct{})}
	s.slots = append(s.slots, slot)
	return slot
}

func (s *Scheduler) Pause()   { s.mu.Lock(); s.paused = true; s.mu.Unlock() }
func (s *Scheduler) Unpause() { s.mu.Lock(); s.paused = false; s.mu.Unlock() }
func (s *Scheduler) TogglePause() {
	s.mu.Lock()
	s.paused = !s.paused
	s.mu.Unlock()
}
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Run drives tick() on an interval until ctx is cancelled, the way
// internal/core/engine.go's queueWorker loops forever over the scheduler's
// control step.
func (s *Scheduler) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs spec.md §4.1's four control-step actions, in the order the
// spec lists them: (1) reconnect if warranted, (2) resize the pool, (3) try
// one assignment, (4) expire the info cache (and, riding along on the same
// step, sweep timed-out captcha tasks). Any failure is logged and does not
// abort the tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.maybeReconnect(ctx)

	s.resizePool()

	if err := s.tryAssign(ctx); err != nil {
		s.logger.Warn("assignment failed, retrying once after back-off", "error", err)
		time.Sleep(500 * time.Millisecond)
		if err := s.tryAssign(ctx); err != nil {
			s.logger.Warn("assignment retry failed", "error", err)
		}
	}

	now := time.Now()
	if s.infoCache != nil {
		s.infoCache.Expire(now)
	}
	if s.captchaBroker != nil {
		s.captchaBroker.ExpireTimeouts(now)
	}
}

// maybeReconnect implements spec.md §4.1 step 1 / §4.2: evaluate the
// trigger condition and, if met, run the reconnect protocol. Disabling on a
// missing/failed script launch persists back through the same config
// setter the RPC layer uses (spec.md §4.2 "If the script fails to launch,
// disable reconnect and clear the flag").
func (s *Scheduler) maybeReconnect(ctx context.Context) {
	if s.reconnectCtl == nil || s.reconnectCfg == nil || s.wantReconnect == nil {
		return
	}
	cfg := s.reconnectCfg()
	if !s.reconnectCtl.ShouldTrigger(cfg, time.Now(), s, s.wantReconnect, s.isWaitingStub) {
		return
	}

	err := s.reconnectCtl.Run(ctx, cfg, func(waitCtx context.Context) error {
		return waitForIdle(waitCtx, s, s.isWaitingStub)
	}, func() {
		s.cfg.SetReconnectEnabled(false)
	})
	if err != nil {
		s.logger.Warn("reconnect protocol failed", "error", err)
	}
}

// TriggerReconnect runs the reconnect protocol immediately, bypassing
// ShouldTrigger's window/idle checks — the RPC layer's manual
// "reconnect now" control (spec.md §6 reconnect.trigger).
func (s *Scheduler) TriggerReconnect(ctx context.Context) error {
	if s.reconnectCtl == nil {
		return fmt.Errorf("reconnect controller not wired")
	}
	cfg := s.reconnectCfg()
	return s.reconnectCtl.Run(ctx, cfg, func(waitCtx context.Context) error {
		return waitForIdle(waitCtx, s, s.isWaitingStub)
	}, func() {
		s.cfg.SetReconnectEnabled(false)
	})
}

// isWaitingStub reports a slot idle by default when no per-plugin waiting
// reporter is wired; a real plugin adapter overrides this via
// WireReconnect's semantics by folding waiting-ness into wantReconnect.
func (s *Scheduler) isWaitingStub(pluginName string) bool { return true }

// waitForIdle busy-waits at 250ms granularity for every active slot's
// plugin to report waiting=true (spec.md §4.2 step 2, §5 Suspension points).
func waitForIdle(ctx context.Context, wr reconnect.WaitingReporter, isWaiting func(string) bool) error {
	for {
		if wr.AllWaiting(isWaiting) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// resizePool implements spec.md §4.1 Pool sizing: grow by one slot per tick
// toward the configured cap, shrink by quitting one idle slot per tick,
// never below zero, never killing an active slot.
func (s *Scheduler) resizePool() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap := s.cfg.GetMaxDownloads()
	if len(s.slots) < cap {
		s.addSlotLocked()
		return
	}
	if len(s.slots) > cap {
		for i, slot := range s.slots {
			if slot.state.Get() == SlotIdle {
				close(slot.quit)
				s.slots = append(s.slots[:i], s.slots[i+1:]...)
				return
			}
		}
	}
}

// occupiedSet computes spec.md §4.1 step 2's Occupied set: plugins that are
// either non-multi or already at their per-plugin parallel cap.
func (s *Scheduler) occupiedSet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, slot := range s.slots {
		if slot.state.Get() == SlotActive && slot.pluginName != "" {
			counts[slot.pluginName]++
		}
	}

	var occupied []string
	seen := make(map[string]bool)
	for name, n := range counts {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, ok := s.plugins.Get(name)
		limit := 0
		if s.limits != nil {
			limit = s.limits.LimitDL(name)
		}
		if (ok && !p.Multi()) || (limit > 0 && n >= limit) {
			occupied = append(occupied, name)
		}
	}
	return occupied
}

func (s *Scheduler) freeSlotLocked() *Slot {
	for _, slot := range s.slots {
		if slot.state.Get() == SlotIdle {
			return slot
		}
	}
	return nil
}

// tryAssign implements spec.md §4.1's Assignment algorithm steps 1-5.
func (s *Scheduler) tryAssign(ctx context.Context) error {
	if s.Paused() {
		return nil
	}

	start, end := s.cfg.GetDownloadWindow()
	if !withinWindow(start, end, time.Now()) {
		return nil
	}

	occupied := s.occupiedSet()
	file, err := s.store.NextJob(occupied)
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}

	// spec.md §4.1 step 6: a decrypting file is always handed to a
	// dedicated short-lived executor, never a pooled slot — it does not
	// compete with downloads for the slot pool at all.
	if file.Status == storage.FileStatusDecrypting {
		if xp, ok := s.plugins.Decrypter(file.PluginName); ok {
			go s.runDecrypt(ctx, xp, file)
			return nil
		}
		file.Status = storage.FileStatusFailed
		file.StatusMsg = "decrypter instantiation failed: " + file.PluginName
		s.store.UpdateFile(file)
		s.bus.FileUpdated(file.ID)
		return nil
	}

	dl, ok := s.plugins.Downloader(file.PluginName)
	if !ok {
		file.Status = storage.FileStatusFailed
		file.StatusMsg = "plugin instantiation failed: " + file.PluginName
		s.store.UpdateFile(file)
		s.bus.FileUpdated(file.ID)
		return nil
	}

	freeBytes, diskErr := freeDiskSpace(s.cfg.GetStorageFolder())
	if diskErr == nil && freeBytes < s.cfg.GetMinFreeSpace() {
		s.logger.Warn("disk space below floor, pausing scheduler",
			"free", humanize.IBytes(uint64(freeBytes)),
			"floor", humanize.IBytes(uint64(s.cfg.GetMinFreeSpace())))
		s.Pause()
		return nil
	}

	s.mu.Lock()
	slot := s.freeSlotLocked()
	if slot == nil {
		s.mu.Unlock()
		// No free slot: defer via the file store's per-Occupied-set cache
		// (spec.md §4.1 step 5) — NextJob's own jobCache already records
		// this Occupied set as exhausted for this tick, so nothing further
		// to do here.
		return nil
	}
	slot.state.Set(SlotActive)
	slot.pluginName = file.PluginName
	slot.currentFile = file.ID
	s.mu.Unlock()

	file.Status = storage.FileStatusDownloading
	s.store.UpdateFile(file)
	s.bus.FileUpdated(file.ID)

	job := &plugin.Job{
		FileID:        file.ID,
		URL:           file.URL,
		SavePath:      file.SavePath,
		ExpectedHash:  file.ExpectedHash,
		HashAlgorithm: file.HashAlgorithm,
	}

	go s.runJob(ctx, slot, dl, job, file)
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, slot *Slot, dl plugin.DownloadPlugin, job *plugin.Job, file *storage.File) {
	defer func() {
		slot.state.Set(SlotIdle)
		slot.pluginName = ""
		slot.currentFile = ""
	}()

	var err error
	if s.downloader != nil {
		err = s.downloader(ctx, job)
	} else {
		err = dl.Process(ctx, job)
	}

	if err != nil {
		file.Status = storage.FileStatusFailed
		file.StatusMsg = err.Error()
		file.Error++
		s.logger.Warn("download failed", "file", file.ID, "size", humanize.IBytes(uint64(file.Size)), "error", err)
	} else {
		file.Status = storage.FileStatusFinished
		s.logger.Info("download finished", "file", file.ID, "size", humanize.IBytes(uint64(file.Size)))
		s.store.IncrementStat(time.Now().Format("2006-01-02"), file.Size, 1)
	}
	s.store.UpdateFile(file)
	s.bus.FileUpdated(file.ID)
}

// runDecrypt services one decrypting file on a dedicated, unpooled
// goroutine (spec.md §4.1 step 6): the resolved URLs become new queued
// files in the same package, and the container file itself is marked
// finished (it produced no bytes of its own).
func (s *Scheduler) runDecrypt(ctx context.Context, xp plugin.DecrypterPlugin, file *storage.File) {
	job := &plugin.Job{FileID: file.ID, URL: file.URL, SavePath: file.SavePath}

	resolved, err := xp.Decrypt(ctx, job)
	if err != nil {
		file.Status = storage.FileStatusFailed
		file.StatusMsg = err.Error()
		file.Error++
		s.logger.Warn("decrypt failed", "file", file.ID, "error", err)
		s.store.UpdateFile(file)
		s.bus.FileUpdated(file.ID)
		return
	}

	for _, url := range resolved {
		child := &storage.File{
			ID:         uuid.New().String(),
			PackageID:  file.PackageID,
			Name:       url,
			URL:        url,
			PluginName: "generic",
			Status:     storage.FileStatusQueued,
			Priority:   file.Priority,
		}
		if err := s.store.CreateFile(child); err != nil {
			s.logger.Warn("decrypt: failed to queue resolved file", "url", url, "error", err)
			continue
		}
		s.bus.FileInserted(child.ID)
	}

	file.Status = storage.FileStatusFinished
	s.store.UpdateFile(file)
	s.bus.FileUpdated(file.ID)
}

func freeDiskSpace(dir string) (int64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}

// withinWindow reports whether now falls in the [start, end) HH:MM window;
// empty start/end means "always on".
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
	// window wraps midnight
	return cur >= startMin || cur < endMin
}

// ActiveFiles returns a snapshot of files currently bound to an active slot
// (spec.md §4.1 getActiveFiles()).
func (s *Scheduler) ActiveFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, slot := range s.slots {
		if slot.state.Get() == SlotActive {
			ids = append(ids, slot.currentFile)
		}
	}
	return ids
}

// AllWaiting reports whether every active slot's plugin is idle — the
// Reconnect Controller's trigger condition (spec.md §4.2) consults this via
// the WaitingReporter interface below.
func (s *Scheduler) AllWaiting(isWaiting func(pluginName string) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.state.Get() == SlotActive && !isWaiting(slot.pluginName) {
			return false
		}
	}
	return true
}
