package memory

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admadc/admadc/event"
)

// Server exposes the facade over HTTP. All cross-service memory access goes
// through this surface; nothing else touches the stores directly.
type Server struct {
	logger *slog.Logger
	store  *Store
	cache  Cache
	index  *Index
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the HTTP surface over the given stores.
func NewServer(store *Store, cache Cache, index *Index, opts ...ServerOption) *Server {
	s := &Server{
		logger: slog.Default(),
		store:  store,
		cache:  cache,
		index:  index,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/events", s.handleStoreEvent)
	r.Get("/events", s.handleListEvents)

	r.Post("/tasks", s.handleUpdateTask)
	r.Get("/tasks/{planID}", s.handleGetTasks)

	r.Post("/semantic/search", s.handleSemanticSearch)

	r.Post("/cache", s.handleCacheSet)
	r.Get("/cache/{key}", s.handleCacheGet)
	r.Post("/idempotency/check", s.handleIdempotencyCheck)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "memory",
	})
}

func (s *Server) handleStoreEvent(w http.ResponseWriter, r *http.Request) {
	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if !event.Known(env.EventType) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	stored, err := s.store.StoreEvent(r.Context(), &env)
	if err != nil {
		s.logger.Error("Store event failed", "event_id", env.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stored":   stored,
		"event_id": env.EventID,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.store.GetEvents(r.Context(),
		r.URL.Query().Get("event_type"),
		r.URL.Query().Get("plan_id"),
		limit)
	if err != nil {
		s.logger.Error("List events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var update TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task update: "+err.Error())
		return
	}
	if update.TaskID == "" || update.PlanID == "" {
		writeError(w, http.StatusBadRequest, "task_id and plan_id are required")
		return
	}

	if err := s.store.UpdateTask(r.Context(), update); err != nil {
		s.logger.Error("Update task failed", "task_id", update.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated": true,
		"task_id": update.TaskID,
	})
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	rows, err := s.store.GetTasks(r.Context(), planID)
	if err != nil {
		s.logger.Error("Get tasks failed", "plan_id", planID, "error", err)
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type semanticSearchRequest struct {
	Query      string   `json:"query"`
	PlanID     string   `json:"plan_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req semanticSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid search request: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := s.index.Search(r.Context(), req.Query, req.PlanID, req.EventTypes, req.Limit)
	if err != nil {
		s.logger.Error("Semantic search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type cacheSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   int    `json:"ttl,omitempty"`
}

func (s *Server) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	var req cacheSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cache request: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.TTL <= 0 {
		req.TTL = 3600
	}

	if err := s.cache.Set(r.Context(), req.Key, req.Value, time.Duration(req.TTL)*time.Second); err != nil {
		s.logger.Error("Cache set failed", "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, "cache set failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cached": true})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := s.cache.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("Cache get failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "cache get failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": value,
	})
}

type idempotencyCheckRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleIdempotencyCheck(w http.ResponseWriter, r *http.Request) {
	var req idempotencyCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	duplicate, err := s.cache.IdempotencyCheck(r.Context(), req.Key)
	if err != nil {
		s.logger.Error("Idempotency check failed", "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"duplicate": duplicate})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
