// Package captcha implements the Captcha Task Broker (spec.md §4.4): a
// queue of open challenges with a per-task status machine, dispatch to
// addon-style handlers and/or a connected human client, and textual /
// positional / interactive result submission. Grounded on
// _examples/original_source/src/pyload/core/managers/captcha_manager.go's
// CaptchaManager/CaptchaTask pair (mutex-guarded task list, linear
// getTaskByID lookup, handleCaptcha's handler-or-client enqueue rule) and
// internal/storage's mutex+slice broker idiom elsewhere in this port.
package captcha

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"tachyon/internal/plugin"
)

// Status mirrors CaptchaTask.status (spec.md §3, §4.4): init -> waiting ->
// (user | shared-user) -> done, or error on timeout/invalidation.
type Status string

const (
	StatusInit        Status = "init"
	StatusWaiting     Status = "waiting"
	StatusUser        Status = "user"       // exclusive: only the reserving client may submit
	StatusSharedUser  Status = "shared-user" // any client may submit
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// ResultType is the expected shape of a solved result (spec.md §3).
type ResultType string

const (
	ResultTextual     ResultType = "textual"
	ResultPositional  ResultType = "positional"
	ResultInteractive ResultType = "interactive"
)

// Handler is the subset of plugin.CaptchaPlugin a Task reports its result
// back to, for plugin-side learning (spec.md §4.4 "correct()/invalid() fan
// out to all registered handlers").
type Handler interface {
	CaptchaCorrect(taskID int64)
	CaptchaInvalid(taskID int64)
}

// pluginHandler bridges a plugin.CaptchaPlugin that accepted a task (via a
// true NewCaptchaTask return) into a Handler, so the broker-side
// correct()/invalid() fan-out reaches it without plugin importing captcha
// (spec.md §9 Design Notes: plugin dispatch stays one-way).
type pluginHandler struct {
	plugin plugin.CaptchaPlugin
}

func (h *pluginHandler) CaptchaCorrect(taskID int64) { h.plugin.CaptchaCorrect(taskID) }
func (h *pluginHandler) CaptchaInvalid(taskID int64) { h.plugin.CaptchaInvalid(taskID) }

// Position is the parsed (x, y) result of a positional captcha.
type Position struct {
	X, Y int
}

// Task is a single open challenge (spec.md §3 CaptchaTask). Fields mutated
// only while the broker's mutex is held by the owning Broker.
type Task struct {
	ID             int64
	PluginName     string
	Format         string
	Params         map[string]string
	ResultType     ResultType
	Status         Status
	Handlers       []Handler
	Result         string
	Position       *Position
	Error          string
	WaitUntil      time.Time
	Data           map[string]interface{} // handler scratch space
	clientReserved bool
}

// IsWaiting reports spec.md §4.4's isWaiting(): no result, no error, and
// now <= waitUntil.
func (t *Task) IsWaiting(now time.Time) bool {
	return t.Result == "" && t.Position == nil && t.Error == "" && !now.After(t.WaitUntil)
}

// TimedOut reports whether the task's wait window has elapsed.
func (t *Task) TimedOut(now time.Time) bool {
	return now.After(t.WaitUntil)
}

func (t *Task) textual() bool     { return t.ResultType == ResultTextual }
func (t *Task) positional() bool  { return t.ResultType == ResultPositional }
func (t *Task) interactive() bool { return t.ResultType == ResultInteractive }

// Broker owns the open-task list under a single broker-wide mutex (spec.md
// §5 "The CaptchaTask list is guarded by one broker-wide mutex; every list
// mutation and lookup acquires it"). Lock order vs the scheduler/per-file
// mutexes follows spec.md §5's fixed order: scheduler -> broker -> per-file;
// callers must never hold the scheduler mutex when calling into Broker.
type Broker struct {
	mu     sync.Mutex
	tasks  []*Task
	nextID int64

	// ClientConnected reports whether a human client is currently attached
	// (spec.md §4.4 enqueue rule "... OR a human client is known to be
	// connected"). Nil means "no client ever connects".
	ClientConnected func() bool
}

func NewBroker() *Broker {
	return &Broker{}
}

// NewTask allocates a Task with a monotonic, stringified-on-the-wire id
// (spec.md §3 "id (string, monotonic)"), mirroring CaptchaManager.newTask.
// The task is not yet visible to GetTask/GetTaskByID until HandleCaptcha
// enqueues it.
func (b *Broker) NewTask(pluginName, format string, params map[string]string, resultType ResultType) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	return &Task{
		ID:         id,
		PluginName: pluginName,
		Format:     format,
		Params:     params,
		ResultType: resultType,
		Status:     StatusInit,
		Data:       make(map[string]interface{}),
	}
}

// HandleCaptcha implements spec.md §4.4's handleCaptcha(task, timeout):
// bump waitUntil, offer the task to every registered plugin hook via
// newCaptchaTask, then enqueue iff at least one handler attached or a
// client is connected. DESIGN.md Open Question #2: handlers is a Go slice,
// so "task.handler" truthy means len(handlers) > 0 — a plugin accepting the
// task via newCaptchaTask's "accepted" return is bridged into
// task.Handlers here, matching the source's "addons push themselves into
// that list inside newCaptchaTask" behavior.
func (b *Broker) HandleCaptcha(task *Task, timeout time.Duration, registry *plugin.Registry) bool {
	now := time.Now()
	newWait := now.Add(timeout)
	if newWait.After(task.WaitUntil) {
		task.WaitUntil = newWait
	}
	task.Status = StatusWaiting

	if registry != nil {
		for _, name := range registry.Names() {
			cp, ok := registry.CaptchaProvider(name)
			if !ok {
				continue
			}
			accepted := false
			func() {
				defer func() { recover() }() // a plugin hook must not crash the broker
				accepted = cp.NewCaptchaTask(&plugin.CaptchaTask{ID: task.ID, Type: string(task.ResultType)})
			}()
			if accepted {
				task.RegisterHandler(&pluginHandler{plugin: cp})
			}
		}
	}

	clientConnected := b.ClientConnected != nil && b.ClientConnected()
	if len(task.Handlers) > 0 || clientConnected {
		b.mu.Lock()
		b.tasks = append(b.tasks, task)
		b.mu.Unlock()
		return true
	}

	task.Error = "No Client connected for captcha decrypting"
	task.Status = StatusError
	return false
}

// RegisterHandler records that a plugin opted in to solve task, the Go
// equivalent of the addon pushing itself into task.handler inside
// newCaptchaTask. HandleCaptcha calls this itself when a CaptchaPlugin's
// NewCaptchaTask accepts; exported so tests and non-registry callers can
// attach a Handler directly too.
func (t *Task) RegisterHandler(h Handler) {
	t.Handlers = append(t.Handlers, h)
}

// GetTask returns the first task whose status is waiting or shared-user
// (spec.md §4.4 getTask()); ignores every other status.
func (b *Broker) GetTask() *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if t.Status == StatusWaiting || t.Status == StatusSharedUser {
			return t
		}
	}
	return nil
}

// GetTaskByID does a linear lookup by id (spec.md §4.4, §8 property 5: a
// task is retrievable iff its status is not terminal). Ids are matched as
// strings, per spec.md §3's "id (string, monotonic)".
func (b *Broker) GetTaskByID(tid string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if strconv.FormatInt(t.ID, 10) == tid {
			if t.Status == StatusDone || t.Status == StatusError {
				return nil
			}
			return t
		}
	}
	return nil
}

// RemoveTask drops a task from the list (spec.md §3 "removed on solution or
// timeout"), mirroring CaptchaManager.removeTask.
func (b *Broker) RemoveTask(taskID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.tasks {
		if t.ID == taskID {
			b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
			return
		}
	}
}

// SetResult implements spec.md §4.4's setResult: textual/interactive store
// verbatim; positional parses "x,y", storing nil Position on malformed
// input (spec.md §8 round-trip law).
func SetResult(t *Task, raw string) {
	switch {
	case t.textual() || t.interactive():
		t.Result = raw
	case t.positional():
		t.Position = parsePosition(raw)
	}
}

func parsePosition(raw string) *Position {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return nil
	}
	return &Position{X: x, Y: y}
}

// Correct/Invalid fan out to every registered handler for plugin-side
// learning (spec.md §4.4).
func Correct(t *Task) {
	for _, h := range t.Handlers {
		h.CaptchaCorrect(t.ID)
	}
	t.Status = StatusDone
}

func Invalid(t *Task) {
	for _, h := range t.Handlers {
		h.CaptchaInvalid(t.ID)
	}
}

// SetWaitingForUser transitions a task to the exclusive "user" state or the
// shareable "shared-user" state (spec.md §4.4 state machine).
func (t *Task) SetWaitingForUser(exclusive bool) {
	if exclusive {
		t.Status = StatusUser
		t.clientReserved = true
	} else {
		t.Status = StatusSharedUser
	}
}

// CanSubmit reports whether a submission to an exclusive "user" task is
// allowed; shared-user tasks accept from any caller.
func (t *Task) CanSubmit() bool {
	return t.Status == StatusSharedUser || t.Status == StatusUser
}

// ExpireTimeouts walks the task list and moves any task whose wait window
// has elapsed (and that has no result yet) into the terminal error state,
// matching spec.md §7's "Captcha no-solver" / timeout error kind. Intended
// to be driven by the Scheduler's tick the same way the info cache purge is
// (spec.md §4.1 step 4 groups both expirations under one control step).
func (b *Broker) ExpireTimeouts(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if t.Status == StatusDone || t.Status == StatusError {
			continue
		}
		if t.TimedOut(now) && t.Result == "" && t.Position == nil {
			t.Error = "captcha timed out"
			t.Status = StatusError
		}
	}
}

// DTO is the wire shape the RPC layer exposes (spec.md §6 "Captcha task wire
// shape"): (id, data, type, result-type). ID=-1 denotes "no task available".
type DTO struct {
	ID         int64  `json:"id"`
	Data       string `json:"data"`
	Type       string `json:"type"`
	ResultType string `json:"result_type"`
}

// NoTaskDTO is the sentinel DTO returned when no task is available.
var NoTaskDTO = DTO{ID: -1}

// ToDTO renders a Task into the RPC wire shape.
func ToDTO(t *Task) DTO {
	if t == nil {
		return NoTaskDTO
	}
	return DTO{ID: t.ID, Data: t.Format, Type: string(t.ResultType), ResultType: string(t.ResultType)}
}
