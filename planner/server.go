package planner

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PlanRequest is the body of POST /plan.
type PlanRequest struct {
	Prompt      string `json:"prompt"`
	ProjectName string `json:"project_name"`
	RepoURL     string `json:"repo_url"`
}

// Router builds the planner's HTTP surface: a synchronous planning endpoint
// next to the bus consumer.
func (c *Component) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute)) // Planning waits on the LLM

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/plan", c.handlePlan)

	return r
}

func (c *Component) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan request: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.ProjectName == "" {
		req.ProjectName = "default"
	}

	resp, err := c.Plan(r.Context(), req.Prompt, req.ProjectName, req.RepoURL)
	if err != nil {
		c.logger.Error("Plan execution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "plan execution failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
