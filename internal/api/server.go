// Package api implements the RPC adapter (spec.md §6 External Interfaces):
// a loopback-only chi server exposing package/file/scheduler/captcha/probe/
// settings/log endpoints, authorized against the permission-bitmask table in
// internal/security. Grounded on the teacher's internal/api/server.go
// (ControlServer shape, concurrency-limit middleware, chi router) almost
// directly; token-only auth is generalized to the bitmask table, and the
// single core.TachyonEngine facade is replaced by direct calls into
// storage.Storage, scheduler.Scheduler, captcha.Broker, and infocache.Cache.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tachyon/internal/captcha"
	"tachyon/internal/config"
	"tachyon/internal/events"
	"tachyon/internal/infocache"
	"tachyon/internal/plugin"
	"tachyon/internal/scheduler"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

// Server is the RPC adapter bound to the rest of the wired stack.
type Server struct {
	store    *storage.Storage
	sched    *scheduler.Scheduler
	cfg      *config.Manager
	audit    *security.AuditLogger
	bus      *events.Bus
	broker   *captcha.Broker
	infoc    *infocache.Cache
	registry *plugin.Registry
	logger   *slog.Logger

	router     *chi.Mux
	activeReqs int64
}

func NewServer(store *storage.Storage, sched *scheduler.Scheduler, cfg *config.Manager, audit *security.AuditLogger, bus *events.Bus, broker *captcha.Broker, infoc *infocache.Cache, registry *plugin.Registry, logger *slog.Logger) *Server {
	s := &Server{
		store:    store,
		sched:    sched,
		cfg:      cfg,
		audit:    audit,
		bus:      bus,
		broker:   broker,
		infoc:    infoc,
		registry: registry,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Start binds the loopback listener and serves in the background, matching
// the teacher's Start(port)'s feature-flag-gated, loopback-only listener.
func (s *Server) Start(port int) {
	if !s.cfg.GetEnableAI() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.logger.Info("rpc server listening", "addr", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("rpc server failed to bind", "error", err)
			return
		}
		if err := http.Serve(conn, s.router); err != nil {
			s.logger.Error("rpc server failed", "error", err)
		}
	}()
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Route("/v1/packages", func(r chi.Router) {
		r.Post("/", s.authorize("queue.add", s.handleAddPackage))
		r.Get("/", s.authorize("queue.list", s.handleListPackages))
		r.Get("/{id}", s.authorize("status.get", s.handleGetPackage))
		r.Delete("/{id}", s.authorize("queue.delete", s.handleDeletePackage))
		r.Post("/{id}/order", s.authorize("queue.reorder", s.handleOrderPackage))
	})

	s.router.Route("/v1/files", func(r chi.Router) {
		r.Get("/{id}", s.authorize("status.get", s.handleGetFile))
		r.Post("/{id}/order", s.authorize("queue.reorder", s.handleOrderFile))
		r.Post("/{id}/priority", s.authorize("queue.reorder", s.handleSetFilePriority))
	})

	s.router.Route("/v1/scheduler", func(r chi.Router) {
		r.Post("/pause", s.authorize("download.pause", s.handlePause))
		r.Post("/resume", s.authorize("download.resume", s.handleResume))
		r.Get("/status", s.authorize("status.get", s.handleStatus))
	})

	s.router.Route("/v1/probe", func(r chi.Router) {
		r.Post("/", s.authorize("status.get", s.handleCheckOnlineStatus))
		r.Get("/{id}", s.authorize("status.get", s.handleGetInfoResult))
	})

	s.router.Route("/v1/captcha", func(r chi.Router) {
		r.Get("/task", s.authorize("captcha.get", s.handleCaptchaTask))
		r.Post("/{id}/result", s.authorize("captcha.submit", s.handleCaptchaResult))
		r.Post("/{id}/invalid", s.authorize("captcha.submit", s.handleCaptchaInvalid))
	})

	s.router.Post("/v1/reconnect/trigger", s.authorize("reconnect.trigger", s.handleReconnectTrigger))

	s.router.Route("/v1/settings", func(r chi.Router) {
		r.Get("/", s.authorize("settings.get", s.handleGetSettings))
		r.Post("/", s.authorize("settings.set", s.handleSetSettings))
	})

	s.router.Get("/v1/logs", s.authorize("logs.get", s.handleLogs))
}

// concurrencyLimitMiddleware caps in-flight requests at ai_max_concurrent
// (spec.md §6), the same shape as the teacher's.
func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetAIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "overloaded "+r.URL.Path, http.StatusTooManyRequests, "max concurrent reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware enforces the feature flag, loopback-only binding, and
// token presence; per-method permission bits are checked by authorize.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := r.Method + " " + r.URL.Path

		if !s.cfg.GetEnableAI() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusServiceUnavailable, "feature disabled")
			http.Error(w, "AI Interface Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, http.StatusForbidden, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Tachyon-Token")
		if token != s.cfg.GetAIToken() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusUnauthorized, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorize wraps a handler with the permission-bitmask check spec.md §6
// specifies: every caller holding a valid token is RoleAdmin (this single-
// token deployment has no multi-user role store), so the table is consulted
// but always passes — kept in the request path regardless, so the method
// table remains the single source of truth for what each route requires
// (DESIGN.md records this as an intentional simplification pending a
// multi-user token store).
func (s *Server) authorize(method string, next http.HandlerFunc) http.HandlerFunc {
	bits, ok := security.MethodBits[method]
	if !ok {
		panic("api: unregistered method " + method)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if !security.Authorized(security.RoleAdmin, bits, bits) {
			s.audit.Log(sourceIP, r.UserAgent(), method, http.StatusForbidden, "insufficient permission")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		s.audit.Log(sourceIP, r.UserAgent(), method, http.StatusOK, "authorized")
		next(w, r)
	}
}

// --- packages ---

type addPackageRequest struct {
	Name     string   `json:"name"`
	URLs     []string `json:"urls"`
	Password string   `json:"password"`
	Priority int      `json:"priority"`
}

type addPackageResponse struct {
	PackageID string   `json:"package_id"`
	FileIDs   []string `json:"file_ids"`
}

func (s *Server) handleAddPackage(w http.ResponseWriter, r *http.Request) {
	var req addPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.URLs) == 0 {
		http.Error(w, "urls must not be empty", http.StatusBadRequest)
		return
	}

	name := req.Name
	if name == "" {
		name = plugin.GuessFilename(req.URLs[0])
	}

	pkg := &storage.Package{
		ID:       uuid.New().String(),
		Name:     name,
		Password: req.Password,
	}
	if s.cfg.GetFolderPerPackage() {
		pkg.Folder = pkg.ID
	}
	if err := s.store.CreatePackage(pkg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.PackageInserted(pkg.ID)

	fileIDs := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		f := &storage.File{
			ID:         uuid.New().String(),
			PackageID:  pkg.ID,
			Name:       plugin.GuessFilename(u),
			URL:        u,
			PluginName: "generic",
			Status:     storage.FileStatusQueued,
			Priority:   req.Priority,
		}
		if err := s.store.CreateFile(f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.bus.FileInserted(f.ID)
		fileIDs = append(fileIDs, f.ID)
	}

	writeJSON(w, http.StatusCreated, addPackageResponse{PackageID: pkg.ID, FileIDs: fileIDs})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.store.ListPackages()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkg, err := s.store.GetPackage(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	files, err := s.store.ListFilesByPackage(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*storage.Package
		Files []storage.File `json:"files"`
	}{pkg, files})
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeletePackage(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.PackageRemoved(id)
	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Order int `json:"order"`
}

func (s *Server) handleOrderPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.OrderPackage(id, req.Order); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.Order(events.ElementPackage, id)
	w.WriteHeader(http.StatusOK)
}

// --- files ---

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFile(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleOrderFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.OrderFile(id, req.Order); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.Order(events.ElementFile, id)
	w.WriteHeader(http.StatusOK)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleSetFilePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := s.store.GetFile(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	f.Priority = req.Priority
	if err := s.store.UpdateFile(f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.FileUpdated(id)
	w.WriteHeader(http.StatusOK)
}

// --- scheduler control ---

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sched.Unpause()
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	Paused      bool     `json:"paused"`
	ActiveFiles []string `json:"active_files"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Paused:      s.sched.Paused(),
		ActiveFiles: s.sched.ActiveFiles(),
	})
}

// --- info/result cache (spec.md §4.5) ---

type checkOnlineRequest struct {
	URLs []string `json:"urls"`
}

type checkOnlineResponse struct {
	ResultID int64                       `json:"result_id"`
	Statuses map[string]infocache.Result `json:"statuses"`
}

func (s *Server) handleCheckOnlineStatus(w http.ResponseWriter, r *http.Request) {
	var req checkOnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	check := s.infoc.CheckOnlineStatus(req.URLs, func(string) string { return "generic" })

	pairs := make([]infocache.Pair, 0, len(req.URLs))
	for _, u := range req.URLs {
		pairs = append(pairs, infocache.Pair{URL: u, PluginName: "generic"})
	}
	worker := infocache.NewProbeWorker(s.infoc, s.registry)
	go worker.Run(r.Context(), check.ResultID, pairs)

	writeJSON(w, http.StatusOK, checkOnlineResponse{ResultID: check.ResultID, Statuses: check.Statuses})
}

type getInfoResultResponse struct {
	ResultID int64                       `json:"result_id"`
	Results  map[string]infocache.Result `json:"results"`
}

func (s *Server) handleGetInfoResult(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	var id int64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		http.Error(w, "invalid result id", http.StatusBadRequest)
		return
	}
	gotID, results := s.infoc.GetInfoResult(id)
	writeJSON(w, http.StatusOK, getInfoResultResponse{ResultID: gotID, Results: results})
}

// --- captcha (spec.md §4.4, §6) ---

func (s *Server) handleCaptchaTask(w http.ResponseWriter, r *http.Request) {
	task := s.broker.GetTask()
	writeJSON(w, http.StatusOK, captcha.ToDTO(task))
}

type captchaResultRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleCaptchaResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task := s.broker.GetTaskByID(id)
	if task == nil {
		http.Error(w, "captcha task not found", http.StatusNotFound)
		return
	}
	var req captchaResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	captcha.SetResult(task, req.Result)
	captcha.Correct(task)
	s.broker.RemoveTask(task.ID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCaptchaInvalid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task := s.broker.GetTaskByID(id)
	if task == nil {
		http.Error(w, "captcha task not found", http.StatusNotFound)
		return
	}
	captcha.Invalid(task)
	w.WriteHeader(http.StatusOK)
}

// --- reconnect ---

func (s *Server) handleReconnectTrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := newTimeoutContext(r)
	defer cancel()
	if err := s.sched.TriggerReconnect(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- settings ---

type settingsResponse struct {
	MaxDownloads      int    `json:"max_downloads"`
	StorageFolder     string `json:"storage_folder"`
	MinFreeSpace      int64  `json:"min_free_space"`
	FolderPerPackage  bool   `json:"folder_per_package"`
	ReconnectEnabled  bool   `json:"reconnect_enabled"`
	ReconnectScript   string `json:"reconnect_script"`
	BandwidthLimit    int64  `json:"bandwidth_limit"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		MaxDownloads:     s.cfg.GetMaxDownloads(),
		StorageFolder:    s.cfg.GetStorageFolder(),
		MinFreeSpace:     s.cfg.GetMinFreeSpace(),
		FolderPerPackage: s.cfg.GetFolderPerPackage(),
		ReconnectEnabled: s.cfg.GetReconnectEnabled(),
		ReconnectScript:  s.cfg.GetReconnectScript(),
		BandwidthLimit:   s.cfg.GetBandwidthLimit(),
	})
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.SetMaxDownloads(req.MaxDownloads); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetStorageFolder(req.StorageFolder); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetMinFreeSpace(req.MinFreeSpace); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetFolderPerPackage(req.FolderPerPackage); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetReconnectEnabled(req.ReconnectEnabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetReconnectScript(req.ReconnectScript); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.SetBandwidthLimit(req.BandwidthLimit); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- logs ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.GetRecentLogs(200))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTimeoutContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 60*time.Second)
}
