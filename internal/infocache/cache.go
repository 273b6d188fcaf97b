// Package infocache implements the Info/Result Cache & probe workers
// (spec.md §4.5): a time-bounded mapping from probe-id to partial
// online-status results, destructive retrieval, and the
// `checkOnlineStatus`/`parseNames` entry point the Scheduler's RPC surface
// uses to kick off a fan-out probe. Grounded on
// _examples/original_source/src/pyload/core/managers/thread_manager.py's
// createResultThread/getInfoResult/setInfoResults (mutex+map cache shape,
// 5-minute purge timestamp) and internal/core/engine.go's ProbeURL,
// generalized from "one URL at a time" to a worker fanning out over
// (url, plugin) pairs.
package infocache

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"tachyon/internal/plugin"
)

// ttl is the purge window spec.md §3 invariant 5 and §4.5 specify: "Info/
// Result cache contents are discarded once now > last-touch + 5 min."
const ttl = 5 * time.Minute

// allInfoFetchedKey is the sentinel spec.md §4.5/§8 describes: inserted by a
// probe worker once fully drained, removed (never returned) by GetResult.
const allInfoFetchedKey = "ALL_INFO_FETCHED"

// Status mirrors OnlineProbe.status (spec.md §3).
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusUnknown     Status = "unknown"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
)

// Result is a single OnlineProbe entry (spec.md §3): plugin, status,
// resolved package name, size, and hash.
type Result struct {
	Plugin      string
	Status      Status
	PackageName string
	Size        int64
	Hash        string
}

// bucket is one createResultThread()'s accumulating result set, keyed by
// URL, plus its own sentinel marker.
type bucket struct {
	results map[string]Result
	done    bool
}

// Cache is the scheduler-wide mutex-guarded result-id counter, info-results
// map, and cache timestamp (spec.md §5 "The info-results map, info-cache,
// result-id counter, and cache timestamp are guarded by one scheduler-wide
// mutex").
type Cache struct {
	mu        sync.Mutex
	nextID    int64
	buckets   map[int64]*bucket
	touchedAt time.Time
}

func New() *Cache {
	return &Cache{buckets: make(map[int64]*bucket)}
}

func (c *Cache) touch() {
	c.touchedAt = time.Now().Add(ttl)
}

// CreateResultThread registers a new probe bucket and returns its
// monotonically increasing id (spec.md §4.1 createResultThread). The add
// flag (auto-create packages from resolved names) is the caller's concern;
// the cache only tracks results.
func (c *Cache) CreateResultThread() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.buckets[id] = &bucket{results: make(map[string]Result)}
	c.touch()
	return id
}

// SetInfoResults merges delta into the stored bucket (spec.md §4.1
// setInfoResults). Unknown result-ids are ignored — the bucket may have
// already been purged by expiry.
func (c *Cache) SetInfoResults(rid int64, delta map[string]Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[rid]
	if !ok {
		return
	}
	for k, v := range delta {
		b.results[k] = v
	}
	c.touch()
}

// MarkDone inserts the ALL_INFO_FETCHED sentinel once a probe worker has
// drained every (url, plugin) pair (spec.md §4.5).
func (c *Cache) MarkDone(rid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[rid]; ok {
		b.done = true
	}
}

// GetInfoResult implements spec.md §4.1's getInfoResult(rid): destructive
// retrieval — the bucket is replaced with an empty map in the same critical
// section (spec.md §8 property 6). The sentinel is consumed here, never
// handed to the caller (spec.md §8 property 7): when present, this call
// instead returns result-id -1 alongside whatever results had accumulated.
func (c *Cache) GetInfoResult(rid int64) (int64, map[string]Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	b, ok := c.buckets[rid]
	if !ok {
		return rid, map[string]Result{}
	}

	out := b.results
	wasDone := b.done
	if wasDone {
		delete(c.buckets, rid)
	} else {
		b.results = make(map[string]Result)
	}

	if wasDone {
		return -1, out
	}
	return rid, out
}

// Expire flushes the entire cache once now > last-touch + 5min and the
// cache is non-empty (spec.md §3 invariant 5, §4.5). Intended to be driven
// by the Scheduler's tick (spec.md §4.1 step 4: "expires the info cache").
func (c *Cache) Expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buckets) == 0 {
		return
	}
	if now.After(c.touchedAt) {
		c.buckets = make(map[int64]*bucket)
	}
}

// OnlineCheck is the initial skeleton spec.md §4.5's checkOnlineStatus
// returns: the fresh result-id plus an OnlineStatus(unknown) per URL,
// grouped by inferred package name.
type OnlineCheck struct {
	ResultID int64
	Statuses map[string]Result // url -> skeleton Result
}

// CheckOnlineStatus implements spec.md §4.5's checkOnlineStatus(urls): it
// allocates a result-id, builds an `unknown`-status skeleton for every URL,
// guesses a package name per URL via ParseNames, and returns the skeleton
// immediately so the caller can start polling GetInfoResult while a probe
// worker fills it in.
func (c *Cache) CheckOnlineStatus(urls []string, pluginFor func(url string) string) OnlineCheck {
	rid := c.CreateResultThread()

	grouped := ParseNames(urls)
	statuses := make(map[string]Result, len(urls))
	for pkgName, group := range grouped {
		for _, u := range group {
			statuses[u] = Result{
				Plugin:      pluginFor(u),
				Status:      StatusUnknown,
				PackageName: pkgName,
			}
		}
	}
	return OnlineCheck{ResultID: rid, Statuses: statuses}
}

// ParseNames groups URLs by a guessed package name, the Go analogue of the
// source's packagetools.parseNames: strip the query/fragment, take the
// final path segment, and fold off a trailing part-number / extension so
// sibling archive parts ("movie.part1.rar", "movie.part2.rar") land in the
// same inferred package.
var partSuffix = regexp.MustCompile(`(?i)\.(part\d+|r\d{2,3}|\d{3})$`)

func ParseNames(urls []string) map[string][]string {
	groups := make(map[string][]string)
	for _, raw := range urls {
		name := guessName(raw)
		groups[name] = append(groups[name], raw)
	}
	return groups
}

func guessName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	base := path.Base(u.Path)
	if base == "" || base == "/" || base == "." {
		return u.Host
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	base = partSuffix.ReplaceAllString(base, "")
	if base == "" {
		return u.Host
	}
	return base
}

// ProbeWorker fans a list of (url, plugin) pairs out to plugin-side GetInfo
// implementations, streaming partial results back into the Cache via
// SetInfoResults, and finally marking the bucket done (spec.md §4.5). One
// worker instance serves one CreateResultThread() call.
type ProbeWorker struct {
	cache    *Cache
	registry *plugin.Registry
}

func NewProbeWorker(cache *Cache, registry *plugin.Registry) *ProbeWorker {
	return &ProbeWorker{cache: cache, registry: registry}
}

// Pair is one (url, plugin-name) probe target.
type Pair struct {
	URL        string
	PluginName string
}

// Run drains every pair concurrently, streaming each result back
// individually rather than waiting for the whole batch — matching spec.md
// §4.5's "streaming partial results back into the cache."
func (w *ProbeWorker) Run(ctx context.Context, rid int64, pairs []Pair) {
	var wg sync.WaitGroup
	for _, p := range pairs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.probeOne(ctx, rid, p)
		}()
	}
	wg.Wait()
	w.cache.MarkDone(rid)
}

func (w *ProbeWorker) probeOne(ctx context.Context, rid int64, p Pair) {
	ip, ok := w.registry.InfoProvider(p.PluginName)
	if !ok {
		w.cache.SetInfoResults(rid, map[string]Result{
			p.URL: {Plugin: p.PluginName, Status: StatusUnknown},
		})
		return
	}

	info, err := ip.GetInfo(ctx, p.URL)
	if err != nil {
		w.cache.SetInfoResults(rid, map[string]Result{
			p.URL: {Plugin: p.PluginName, Status: StatusOffline},
		})
		return
	}

	status := StatusOnline
	switch info.Status {
	case "offline":
		status = StatusOffline
	case "temp_offline":
		status = StatusUnknown
	}

	w.cache.SetInfoResults(rid, map[string]Result{
		p.URL: {Plugin: p.PluginName, Status: status, Size: info.Size, PackageName: info.Name},
	})
}
