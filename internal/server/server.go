// Package server exposes the agent and memory pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fractalmem/internal/agent"
	"fractalmem/internal/health"
	"fractalmem/internal/memory"
	"fractalmem/internal/memtypes"
)

// shutdownGrace bounds how long in-flight requests may run once the
// serve context is cancelled.
const shutdownGrace = 10 * time.Second

// Server wires the HTTP routes to the agent facade.
type Server struct {
	agent  *agent.Agent
	checks *health.Registry
	logger *zap.Logger

	addr        string
	corsOrigins []string
}

// Options configures the server.
type Options struct {
	Addr        string
	CORSOrigins []string
	Checks      *health.Registry
	Logger      *zap.Logger
}

// New builds a server around an agent.
func New(a *agent.Agent, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Checks == nil {
		opts.Checks = health.NewRegistry()
	}
	if opts.Addr == "" {
		opts.Addr = ":8400"
	}
	return &Server{
		agent:       a,
		checks:      opts.Checks,
		logger:      opts.Logger,
		addr:        opts.Addr,
		corsOrigins: opts.CORSOrigins,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /memory/stats", s.handleStats)
	mux.HandleFunc("GET /memory/{level}", s.handleMemoryLevel)
	mux.HandleFunc("POST /memory/consolidate", s.handleConsolidate)
	mux.HandleFunc("POST /memory/remember", s.handleRemember)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withCORS(s.withLogging(mux))
}

// ListenAndServe serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(sctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memtypes.Validation("body", "invalid json"))
		return
	}
	resp, err := s.agent.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mem().Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// node is the graph-view projection of one memory at any tier.
type node struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Content     string    `json:"content"`
	Level       string    `json:"level"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
	Connections []string  `json:"connections"`
}

const levelPageSize = 500

func (s *Server) handleMemoryLevel(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("level")
	var levels []memtypes.Level
	if raw == "all" {
		levels = []memtypes.Level{memtypes.LevelL0, memtypes.LevelL1, memtypes.LevelL2, memtypes.LevelL3}
	} else {
		level, ok := memtypes.ParseLevel(raw)
		if !ok {
			s.writeError(w, memtypes.Validation("level", "must be one of all, l0, l1, l2, l3"))
			return
		}
		levels = []memtypes.Level{level}
	}

	nodes := []node{}
	for _, level := range levels {
		more, err := s.levelNodes(r.Context(), level)
		if err != nil {
			s.writeError(w, err)
			return
		}
		nodes = append(nodes, more...)
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) levelNodes(ctx context.Context, level memtypes.Level) ([]node, error) {
	nodes := []node{}
	switch level {
	case memtypes.LevelL0:
		turns, err := s.mem().Volatile().AllTurns(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			nodes = append(nodes, node{
				ID: t.ID, Label: t.Role, Content: t.Content,
				Level: level.String(), Importance: t.Importance, CreatedAt: t.Timestamp,
				Connections: []string{},
			})
		}
	case memtypes.LevelL1:
		summaries, err := s.mem().Volatile().RecentSummaries(ctx, levelPageSize)
		if err != nil {
			return nil, err
		}
		for _, sum := range summaries {
			nodes = append(nodes, node{
				ID: sum.SessionID, Label: "session summary", Content: sum.Summary,
				Level: level.String(), Importance: sum.Importance, CreatedAt: sum.CreatedAt,
				Connections: []string{},
			})
		}
	default:
		episodes, err := s.mem().Graph().ListEpisodes(ctx, level, levelPageSize)
		if err != nil {
			return nil, err
		}
		for _, ep := range episodes {
			conns := []string{}
			for _, name := range memory.ExtractEntityNames(ep.Content) {
				conns = append(conns, s.mem().EntityID(name))
			}
			nodes = append(nodes, node{
				ID: ep.ID, Label: ep.Name, Content: ep.Content,
				Level: level.String(), Importance: ep.ImportanceScore, CreatedAt: ep.CreatedAt,
				Connections: conns,
			})
		}
	}
	return nodes, nil
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	counts, err := s.mem().Consolidate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"l0_to_l1":          counts.TurnsConsolidated,
		"l1_to_l2":          counts.EpisodesPromoted,
		"summaries_created": counts.SummariesCreated,
		"decayed":           counts.TurnsDecayed,
		"forgotten":         counts.TurnsForgotten,
	})
}

type rememberRequest struct {
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	SessionID  string  `json:"session_id"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memtypes.Validation("body", "invalid json"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = "api"
	}
	id, err := s.mem().Remember(r.Context(), memtypes.Turn{
		Role:       "user",
		Content:    req.Content,
		SessionID:  req.SessionID,
		Importance: req.Importance,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Run(r.Context())
	overall := health.Overall(report)
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{"status": overall, "components": report})
}

func (s *Server) mem() *memory.FractalMemory { return s.agent.Memory() }

// =============================================================================
// RESPONSES AND MIDDLEWARE
// =============================================================================

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case memtypes.IsValidation(err):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, memtypes.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, memtypes.ErrStoreUnavailable),
		errors.Is(err, memtypes.ErrRetrieverUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
