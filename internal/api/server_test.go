package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyon/internal/captcha"
	"tachyon/internal/config"
	"tachyon/internal/events"
	"tachyon/internal/infocache"
	"tachyon/internal/plugin"
	"tachyon/internal/scheduler"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	store, err := storage.NewStorage(":memory:")
	require.NoError(t, err)

	cfg := config.NewManager(store)
	token := cfg.GetAIToken()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := security.NewAuditLogger(logger, t.TempDir())
	bus := events.NewBus()
	registry := plugin.NewRegistry()
	broker := captcha.NewBroker()
	infoc := infocache.New()

	sched := scheduler.New(logger, store, cfg, registry, bus, nil, nil)

	return NewServer(store, sched, cfg, audit, bus, broker, infoc, registry, logger), token
}

func doRequest(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:9999"
	if token != "" {
		req.Header.Set("X-Tachyon-Token", token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/scheduler/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidTokenReachesHandler(t *testing.T) {
	s, token := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/scheduler/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Paused, "scheduler starts paused per spec.md §4.1 start()")
}

func TestAddPackageCreatesFilesAndEmitsEvents(t *testing.T) {
	s, token := newTestServer(t)

	sub, cancel := s.bus.Subscribe(8)
	defer cancel()

	rec := doRequest(t, s, http.MethodPost, "/v1/packages/", token, addPackageRequest{
		Name: "test pack",
		URLs: []string{"http://host/file1.bin", "http://host/file2.bin"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp addPackageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.PackageID)
	require.Len(t, resp.FileIDs, 2)

	pkg, err := s.store.GetPackage(resp.PackageID)
	require.NoError(t, err)
	require.Equal(t, "test pack", pkg.Name)

	files, err := s.store.ListFilesByPackage(resp.PackageID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		require.Equal(t, storage.FileStatusQueued, f.Status)
		require.Equal(t, "generic", f.PluginName)
	}

	select {
	case ev := <-sub:
		require.Equal(t, events.ElementPackage, ev.ElementType)
	default:
		t.Fatal("expected a package-insert event to already be buffered")
	}
}

func TestDeletePackageRemovesFiles(t *testing.T) {
	s, token := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/packages/", token, addPackageRequest{
		URLs: []string{"http://host/file.bin"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp addPackageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doRequest(t, s, http.MethodDelete, "/v1/packages/"+resp.PackageID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := s.store.GetPackage(resp.PackageID)
	require.ErrorIs(t, err, storage.ErrPackageNotFound)
}

func TestCaptchaTaskEndpointReturnsNoTaskSentinelWhenEmpty(t *testing.T) {
	s, token := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/captcha/task", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto captcha.DTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Equal(t, captcha.NoTaskDTO, dto)
}

func TestCheckOnlineStatusReturnsSkeleton(t *testing.T) {
	s, token := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/probe/", token, checkOnlineRequest{
		URLs: []string{"http://host/file.bin"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp checkOnlineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.ResultID, int64(0))
	require.Contains(t, resp.Statuses, "http://host/file.bin")
}

func TestSettingsRoundTrip(t *testing.T) {
	s, token := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/settings/", token, settingsResponse{
		MaxDownloads:     7,
		StorageFolder:    "/data/downloads",
		FolderPerPackage: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/settings/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got settingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 7, got.MaxDownloads)
	require.Equal(t, "/data/downloads", got.StorageFolder)
	require.True(t, got.FolderPerPackage)
}
