package captcha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyon/internal/plugin"
)

func TestHandleCaptchaNoClientNoHandlerDropsTask(t *testing.T) {
	b := NewBroker()
	task := b.NewTask("rapidshare", "img.jpg", nil, ResultTextual)

	ok := b.HandleCaptcha(task, 30*time.Second, nil)
	require.False(t, ok)
	require.Equal(t, StatusError, task.Status)
	require.Equal(t, "No Client connected for captcha decrypting", task.Error)
	require.Nil(t, b.GetTask())
}

func TestHandleCaptchaClientConnectedEnqueues(t *testing.T) {
	b := NewBroker()
	b.ClientConnected = func() bool { return true }
	task := b.NewTask("rapidshare", "img.jpg", nil, ResultTextual)

	ok := b.HandleCaptcha(task, 30*time.Second, nil)
	require.True(t, ok)
	require.Equal(t, StatusWaiting, task.Status)
	require.Same(t, task, b.GetTask())
}

func TestHandleCaptchaHandlerRegisteredViaPluginHookEnqueues(t *testing.T) {
	registry := plugin.NewRegistry()
	fake := &fakeCaptchaPlugin{}
	registry.Register(fake)

	b := NewBroker()
	task := b.NewTask("rapidshare", "img.jpg", nil, ResultTextual)

	ok := b.HandleCaptcha(task, 30*time.Second, registry)
	require.True(t, ok)
	require.NotNil(t, b.GetTask())
	require.Len(t, task.Handlers, 1)

	Correct(task)
	require.Equal(t, 1, fake.corrected)
}

func TestGetTaskByIDOnlyReturnsNonTerminal(t *testing.T) {
	b := NewBroker()
	b.ClientConnected = func() bool { return true }
	task := b.NewTask("x", "fmt", nil, ResultTextual)
	b.HandleCaptcha(task, time.Minute, nil)

	id := "0"
	require.NotNil(t, b.GetTaskByID(id))

	task.Status = StatusDone
	require.Nil(t, b.GetTaskByID(id))
}

func TestSetResultTextual(t *testing.T) {
	task := &Task{ResultType: ResultTextual}
	SetResult(task, "abc123")
	require.Equal(t, "abc123", task.Result)
}

func TestSetResultPositionalValid(t *testing.T) {
	task := &Task{ResultType: ResultPositional}
	SetResult(task, "17,42")
	require.NotNil(t, task.Position)
	require.Equal(t, Position{X: 17, Y: 42}, *task.Position)
}

func TestSetResultPositionalMalformed(t *testing.T) {
	task := &Task{ResultType: ResultPositional}
	SetResult(task, "garbage")
	require.Nil(t, task.Position)
}

func TestIsWaitingFalseAfterResult(t *testing.T) {
	task := &Task{WaitUntil: time.Now().Add(time.Minute)}
	require.True(t, task.IsWaiting(time.Now()))
	task.Result = "solved"
	require.False(t, task.IsWaiting(time.Now()))
}

func TestIsWaitingFalseAfterDeadline(t *testing.T) {
	task := &Task{WaitUntil: time.Now().Add(-time.Second)}
	require.False(t, task.IsWaiting(time.Now()))
}

func TestExpireTimeoutsMovesToError(t *testing.T) {
	b := NewBroker()
	b.ClientConnected = func() bool { return true }
	task := b.NewTask("x", "fmt", nil, ResultTextual)
	b.HandleCaptcha(task, -time.Second, nil) // already expired

	b.ExpireTimeouts(time.Now())
	require.Equal(t, StatusError, task.Status)
	require.Nil(t, b.GetTaskByID("0"))
}

func TestCorrectAndInvalidFanOut(t *testing.T) {
	h := &countingHandler{}
	task := &Task{ID: 5, Handlers: []Handler{h}}

	Invalid(task)
	Correct(task)

	require.Equal(t, 1, h.invalid)
	require.Equal(t, 1, h.correct)
	require.Equal(t, StatusDone, task.Status)
}

type noopHandler struct{}

func (*noopHandler) CaptchaCorrect(int64) {}
func (*noopHandler) CaptchaInvalid(int64) {}

type countingHandler struct {
	correct int
	invalid int
}

func (h *countingHandler) CaptchaCorrect(int64) { h.correct++ }
func (h *countingHandler) CaptchaInvalid(int64) { h.invalid++ }

type fakeCaptchaPlugin struct {
	corrected int
	invalided int
}

func (*fakeCaptchaPlugin) Name() string                                { return "fake" }
func (*fakeCaptchaPlugin) Multi() bool                                 { return true }
func (*fakeCaptchaPlugin) NewCaptchaTask(task *plugin.CaptchaTask) bool { return true }
func (f *fakeCaptchaPlugin) CaptchaCorrect(int64)                      { f.corrected++ }
func (f *fakeCaptchaPlugin) CaptchaInvalid(int64)                      { f.invalided++ }

var _ plugin.CaptchaPlugin = (*fakeCaptchaPlugin)(nil)
