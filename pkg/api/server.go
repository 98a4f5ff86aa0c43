// Package api exposes the framecache pools over HTTP for inspection and
// capacity control.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/framecache/framecache/internal/cache"
	"github.com/framecache/framecache/internal/telemetry"
	"github.com/framecache/framecache/pkg/errors"
	"github.com/framecache/framecache/pkg/health"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

const maxBodyBytes = 64 * 1024

// Telemetry is the part of the telemetry monitor the API drives.
type Telemetry interface {
	Interval() time.Duration
	SetInterval(time.Duration) error
	Latest() (telemetry.Sample, bool)
}

// Server provides the HTTP API
type Server struct {
	httpServer    *http.Server
	router        chi.Router
	facade        *cache.Facade
	telemetry     Telemetry
	healthTracker *health.Tracker
	logger        *utils.StructuredLogger
	config        ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// Options carries the server's collaborators. Telemetry, Health and Logger
// are optional.
type Options struct {
	Facade    *cache.Facade
	Telemetry Telemetry
	Health    *health.Tracker
	Logger    *utils.StructuredLogger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	s := &Server{
		facade:        opts.Facade,
		telemetry:     opts.Telemetry,
		healthTracker: opts.Health,
		logger:        logger.WithComponent("api"),
		config:        config,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(chimw.Recoverer)
	if config.EnableCORS {
		r.Use(corsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)

	r.Route("/pools", func(r chi.Router) {
		r.Get("/", s.handlePools)
		r.Route("/{pool}", func(r chi.Router) {
			r.Use(poolParam)
			r.Get("/", s.handlePool)
			r.Put("/capacity", s.handleSetCapacity)
			r.Get("/groups", s.handleGroups)
			r.Delete("/groups/{group}", s.handleEvictGroup)
			r.Delete("/entries", s.handleClear)
		})
	})

	r.Get("/override", s.handleGetOverride)
	r.Put("/override", s.handleSetOverride)
	r.Get("/brief", s.handleBrief)

	r.Get("/telemetry", s.handleTelemetry)
	r.Put("/telemetry/interval", s.handleSetInterval)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           r,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", map[string]interface{}{"address": s.config.Address})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server", nil)
	return s.httpServer.Shutdown(ctx)
}

type poolKey struct{}

// poolParam resolves {pool} before any handler reaches the facade.
func poolParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pool, err := types.ParsePool(chi.URLParam(r, "pool"))
		if err != nil {
			respondCacheError(w, errors.Wrap(err, errors.ErrCodePoolUnresolved, "unknown pool"))
			return
		}
		ctx := context.WithValue(r.Context(), poolKey{}, pool)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func poolFrom(r *http.Request) types.Pool {
	return r.Context().Value(poolKey{}).(types.Pool)
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.healthTracker.GetOverallHealth()
	statusCode := http.StatusOK
	switch overall {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded:
		statusCode = http.StatusPartialContent
	}

	respondJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"timestamp":  time.Now(),
		"components": s.healthTracker.GetAllComponents(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// Pools

type poolView struct {
	types.PoolStats
	EffectivePercent float64           `json:"effective_percent"`
	Memory           types.MemoryStats `json:"memory"`
	MemoryError      string            `json:"memory_error,omitempty"`
}

func (s *Server) view(ctx context.Context, pool types.Pool) poolView {
	v := poolView{
		PoolStats:        s.facade.Stats(pool),
		EffectivePercent: s.facade.EffectivePercent(pool),
	}
	total, err := s.facade.PoolTotalBytes(ctx, pool)
	if err != nil {
		v.MemoryError = err.Error()
		return v
	}
	v.Memory.TotalBytes = total
	if used, err := s.facade.PoolMemoryUsedBytes(ctx, pool); err == nil {
		v.Memory.UsedBytes = used
	} else {
		v.MemoryError = err.Error()
	}
	return v
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	views := make([]poolView, 0, len(types.Pools))
	for _, pool := range types.Pools {
		views = append(views, s.view(r.Context(), pool))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.view(r.Context(), poolFrom(r)))
}

type capacityRequest struct {
	Scope   string   `json:"scope"`
	Percent *float64 `json:"percent"`
}

func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scope, err := types.ParseScope(req.Scope)
	if err != nil {
		respondCacheError(w, errors.Wrap(err, errors.ErrCodeScopeUnresolved, "unknown scope"))
		return
	}
	if req.Percent == nil {
		respondCacheError(w, errors.NewError(errors.ErrCodeInvalidConfig, "percent is required"))
		return
	}

	pool := poolFrom(r)
	if err := s.facade.SetPoolCapacityPercent(r.Context(), pool, scope, *req.Percent); err != nil {
		s.logger.Warn("Capacity change incomplete", map[string]interface{}{
			"pool":  pool.String(),
			"scope": scope.String(),
			"error": err,
		})
		respondCacheError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(r.Context(), pool))
}

type groupView struct {
	Group string `json:"group"`
	Items int    `json:"items"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	p := s.facade.Pool(poolFrom(r))
	names := p.GroupNames()
	groups := make([]groupView, 0, len(names))
	for _, name := range names {
		groups = append(groups, groupView{Group: name, Items: p.GroupItemCount(name)})
	}
	respondJSON(w, http.StatusOK, groups)
}

func (s *Server) handleEvictGroup(w http.ResponseWriter, r *http.Request) {
	n := s.facade.EvictGroup(poolFrom(r), chi.URLParam(r, "group"))
	respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n := s.facade.Clear(poolFrom(r))
	respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

// Override

type overrideBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": s.facade.SceneCapacityOverrideEnabled()})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideBody
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		respondCacheError(w, errors.NewError(errors.ErrCodeInvalidConfig, "enabled is required"))
		return
	}
	if err := s.facade.SetSceneCapacityOverrideEnabled(r.Context(), *req.Enabled); err != nil {
		respondCacheError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": s.facade.SceneCapacityOverrideEnabled()})
}

func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, s.facade.Brief())
}

// Telemetry

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		respondError(w, http.StatusServiceUnavailable, "", "telemetry not configured")
		return
	}
	resp := map[string]interface{}{
		"interval_seconds": s.telemetry.Interval().Seconds(),
	}
	if sample, ok := s.telemetry.Latest(); ok {
		resp["latest"] = sample
	}
	respondJSON(w, http.StatusOK, resp)
}

type intervalRequest struct {
	Seconds float64 `json:"seconds"`
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		respondError(w, http.StatusServiceUnavailable, "", "telemetry not configured")
		return
	}
	var req intervalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seconds < 1 {
		respondCacheError(w, errors.Newf(errors.ErrCodeInvalidConfig, "seconds must be at least 1, got %v", req.Seconds))
		return
	}
	if err := s.telemetry.SetInterval(time.Duration(req.Seconds * float64(time.Second))); err != nil {
		respondCacheError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]float64{"interval_seconds": s.telemetry.Interval().Seconds()})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		})
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper functions

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, code errors.ErrorCode, message string) {
	body := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	}
	if code != "" {
		body["code"] = code
	}
	respondJSON(w, statusCode, body)
}

func respondCacheError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	respondError(w, errors.GetDefaultHTTPStatus(code), code, err.Error())
}
