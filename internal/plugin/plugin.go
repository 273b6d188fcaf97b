// Package plugin defines the hoster capability interfaces (spec.md §9
// Design Notes) that the Scheduler, Chunked Downloader, and Captcha Broker
// dispatch through. Hoster plugin bodies are out of scope (spec.md §1); this
// package is the Go-native analogue of the source's duck-typed dispatch:
// a registered plugin is probed once, via type assertion, for each optional
// capability it implements.
package plugin

import "context"

// Plugin is the capability every registered hoster implements.
type Plugin interface {
	Name() string
	// Multi reports whether this hoster allows more than one concurrent
	// transfer system-wide. A plugin that returns false counts toward the
	// Occupied set regardless of any configured account limitDL.
	Multi() bool
}

// InfoResult is what an InfoPlugin reports back for a single URL, consumed
// by the Info/Result Cache (spec.md §4.5).
type InfoResult struct {
	Name   string
	Size   int64
	Status string // online, offline, temp_offline
}

type InfoPlugin interface {
	Plugin
	GetInfo(ctx context.Context, url string) (InfoResult, error)
}

// Job is the minimal view of a storage.File a DownloadPlugin needs; kept
// independent of the storage package to avoid an import cycle (storage has
// no reason to know about plugins).
type Job struct {
	FileID        string
	URL           string
	SavePath      string
	ExpectedHash  string
	HashAlgorithm string
	Headers       map[string]string
	Cookies       string
}

type DownloadPlugin interface {
	Plugin
	Process(ctx context.Context, job *Job) error
}

// DecrypterPlugin unpacks a container link (an archive, a link-protector
// page) into one or more resolved download URLs, without ever occupying a
// Worker Slot — spec.md §4.1 step 6: "If the job is a decrypter, always
// spawn a dedicated short-lived executor." Unlike DownloadPlugin.Process,
// Decrypt returns quickly; the Scheduler does not count it against the pool.
type DecrypterPlugin interface {
	Plugin
	Decrypt(ctx context.Context, job *Job) ([]string, error)
}

// CaptchaTask is the minimal view of a captcha.Task a CaptchaPlugin needs to
// decide whether it can service a request.
type CaptchaTask struct {
	ID   int64
	Type string
}

// CaptchaPlugin is offered every open CaptchaTask via NewCaptchaTask; a true
// return means the plugin opted in as a handler and expects CaptchaCorrect /
// CaptchaInvalid callbacks once the task resolves (spec.md §4.4
// "correct()/invalid() fan out to all registered handlers").
type CaptchaPlugin interface {
	Plugin
	NewCaptchaTask(task *CaptchaTask) (accepted bool)
	CaptchaCorrect(taskID int64)
	CaptchaInvalid(taskID int64)
}

// Registry holds named plugins and records which optional hooks each
// implements, discovered once at registration via type assertion — the
// Go-native analogue of the source's duck typing.
type Registry struct {
	plugins map[string]Plugin
	info    map[string]InfoPlugin
	down    map[string]DownloadPlugin
	captcha map[string]CaptchaPlugin
	decrypt map[string]DecrypterPlugin
}

func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		info:    make(map[string]InfoPlugin),
		down:    make(map[string]DownloadPlugin),
		captcha: make(map[string]CaptchaPlugin),
		decrypt: make(map[string]DecrypterPlugin),
	}
}

func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
	if ip, ok := p.(InfoPlugin); ok {
		r.info[p.Name()] = ip
	}
	if dp, ok := p.(DownloadPlugin); ok {
		r.down[p.Name()] = dp
	}
	if cp, ok := p.(CaptchaPlugin); ok {
		r.captcha[p.Name()] = cp
	}
	if xp, ok := p.(DecrypterPlugin); ok {
		r.decrypt[p.Name()] = xp
	}
}

func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

func (r *Registry) Downloader(name string) (DownloadPlugin, bool) {
	p, ok := r.down[name]
	return p, ok
}

func (r *Registry) InfoProvider(name string) (InfoPlugin, bool) {
	p, ok := r.info[name]
	return p, ok
}

func (r *Registry) CaptchaProvider(name string) (CaptchaPlugin, bool) {
	p, ok := r.captcha[name]
	return p, ok
}

func (r *Registry) Decrypter(name string) (DecrypterPlugin, bool) {
	p, ok := r.decrypt[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}
