package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-sysinfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"linkmonitor/internal/cluster"
	"linkmonitor/internal/models"
)

const (
	maxBodyBytes      = 1 << 16
	checkTimeout      = 60 * time.Second
	defaultReportsMax = 50
)

// CycleRunner starts cycles and exposes their outcome.
type CycleRunner interface {
	Trigger(ctx context.Context) (string, error)
	LastReport() (models.CycleReport, bool)
}

// Checker evaluates a single target on demand.
type Checker interface {
	Evaluate(ctx context.Context, target models.Target) (models.Verdict, error)
}

// ReportSource lists finished cycles, newest first.
type ReportSource interface {
	Recent(n int) []models.CycleReport
}

// HostInfo describes the machine the service runs on.
type HostInfo struct {
	Hostname string `json:"hostname"`
	Uptime   string `json:"uptime"`
}

// Options wires the server's collaborators. Reports and Hub may be nil.
type Options struct {
	Addr      string
	APIKey    string
	Scheduler CycleRunner
	Checker   Checker
	Reports   ReportSource
	Hub       *Hub
	Log       *logrus.Entry
}

// Server exposes health, cycle control, on-demand checks and the event stream.
type Server struct {
	httpServer *http.Server
	apiKey     string
	scheduler  CycleRunner
	checker    Checker
	reports    ReportSource
	hub        *Hub
	log        *logrus.Entry
	host       func() (HostInfo, error)
	now        func() time.Time
}

// New creates a configured HTTP server.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		apiKey:    opts.APIKey,
		scheduler: opts.Scheduler,
		checker:   opts.Checker,
		reports:   opts.Reports,
		hub:       opts.Hub,
		log:       log.WithField("component", "http"),
		host:      localHostInfo,
		now:       time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/api/cycles", s.handleTriggerCycle)
		r.Get("/api/cycles", s.handleListCycles)
		r.Get("/api/cycles/last", s.handleLastCycle)
		r.Post("/api/check", s.handleCheck)
		r.Get("/api/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not found"})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC(),
	}
	if info, err := s.host(); err == nil {
		resp["host"] = info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id, err := s.scheduler.Trigger(r.Context())
	switch {
	case errors.Is(err, cluster.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.WithError(err).Error("trigger cycle")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"cycleId": id,
		"status":  "started",
	})
}

func (s *Server) handleLastCycle(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler != nil {
		if report, ok := s.scheduler.LastReport(); ok {
			writeJSON(w, http.StatusOK, report)
			return
		}
	}
	if s.reports != nil {
		if recent := s.reports.Recent(1); len(recent) > 0 {
			writeJSON(w, http.StatusOK, recent[0])
			return
		}
	}
	writeError(w, http.StatusNotFound, "no cycle has finished yet")
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeJSON(w, http.StatusOK, []models.CycleReport{})
		return
	}
	reports := s.reports.Recent(parseLimit(r, defaultReportsMax))
	if reports == nil {
		reports = []models.CycleReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

type checkResponse struct {
	Success bool `json:"success"`
	models.Verdict
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluator not configured")
		return
	}

	var target models.Target
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target.RouterAddress = strings.TrimSpace(target.RouterAddress)
	target.ClientIP = strings.TrimSpace(target.ClientIP)
	if target.RouterAddress == "" || target.ClientIP == "" {
		writeError(w, http.StatusBadRequest, "missing parameters: ipRouter, clientIp")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	verdict, err := s.checker.Evaluate(ctx, target)
	if err != nil {
		s.log.WithError(err).WithField("router", target.RouterAddress).Warn("on-demand check failed")
	}
	writeJSON(w, http.StatusOK, checkResponse{Success: err == nil, Verdict: verdict})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	s.hub.ServeHTTP(w, r)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Browsers cannot set headers on websocket upgrades, hence the query fallback.
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func localHostInfo() (HostInfo, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return HostInfo{}, err
	}
	info := host.Info()
	return HostInfo{
		Hostname: info.Hostname,
		Uptime:   info.Uptime().Truncate(time.Second).String(),
	}, nil
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > fallback {
		return fallback
	}
	return value
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
