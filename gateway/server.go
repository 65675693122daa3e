package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admadc/admadc/event"
)

// The frontend runs on its own origin; the gateway is the single trusted
// entry point behind it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// PlanRequest is the body of POST /api/plan.
type PlanRequest struct {
	Prompt      string `json:"prompt"`
	ProjectName string `json:"project_name"`
	RepoURL     string `json:"repo_url"`
}

// ReplanRequest is the body of POST /api/replan.
type ReplanRequest struct {
	OriginalPlanID string   `json:"original_plan_id"`
	NewPlanID      string   `json:"new_plan_id"`
	Reason         string   `json:"reason"`
	Suggestions    []string `json:"suggestions"`
	Severity       string   `json:"severity"`
}

// Router builds the gateway's HTTP and WebSocket surface.
func (c *Component) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"service":        serviceName,
			"ws_connections": c.hub.Count(),
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", c.handleWS)

	r.Route("/api", func(r chi.Router) {
		// Planning waits on the LLM; everything else is quick.
		r.With(middleware.Timeout(5 * time.Minute)).Post("/plan", c.handlePlan)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/replan", c.handleReplan)
			r.Get("/events", c.handleEvents)
			r.Get("/tasks/{plan_id}", c.handleTasks)
			r.Get("/plan_metrics/{plan_id}", c.handlePlanMetrics)
			r.Get("/approvals", c.handleApprovals)
			r.Post("/approvals/{approval_id}/approve", c.decisionHandler(true))
			r.Post("/approvals/{approval_id}/reject", c.decisionHandler(false))
			r.Get("/status", c.handleStatus)
		})
	})

	return r
}

func (c *Component) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := c.hub.Register(conn)
	c.onConnect(r.Context(), client)
	client.readLoop()
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
		c.logger.Error("Plan request failed", "error", err)
		writeError(w, http.StatusBadGateway, "planner unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Component) handleReplan(w http.ResponseWriter, r *http.Request) {
	var req ReplanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid replan request: "+err.Error())
		return
	}
	if req.OriginalPlanID == "" || req.NewPlanID == "" {
		writeError(w, http.StatusBadRequest, "original_plan_id and new_plan_id are required")
		return
	}

	revision := event.PlanRevision{
		OriginalPlanID: req.OriginalPlanID,
		NewPlanID:      req.NewPlanID,
		Reason:         req.Reason,
		Suggestions:    req.Suggestions,
		Severity:       req.Severity,
	}
	if err := c.Replan(r.Context(), revision); err != nil {
		c.logger.Error("Replan publish failed", "error", err)
		writeError(w, http.StatusBadGateway, "could not publish revision: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "confirmed",
		"new_plan_id": req.NewPlanID,
	})
}

func (c *Component) handleEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := c.mem.GetEvents(r.Context(), r.URL.Query().Get("event_type"), r.URL.Query().Get("plan_id"), 100)
	if err != nil {
		writeError(w, http.StatusBadGateway, "memory unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (c *Component) handleTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := c.mem.GetTasks(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "memory unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": rows})
}

func (c *Component) handlePlanMetrics(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "plan_id")
	totals, err := c.PlanMetrics(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "memory unavailable: "+err.Error())
		return
	}

	grandTotal := 0
	for _, t := range totals {
		grandTotal += t.TotalTokens
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":      planID,
		"services":     totals,
		"total_tokens": grandTotal,
	})
}

func (c *Component) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": c.Pending()})
}

func (c *Component) decisionHandler(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvalID := chi.URLParam(r, "approval_id")

		approval, err := c.Decide(r.Context(), approvalID, approve)
		if errors.Is(err, ErrUnknownApproval) {
			writeError(w, http.StatusNotFound, "unknown approval id: "+approvalID)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, "could not publish decision: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"approval_id": approval.ApprovalID,
			"decision":    approval.Decision,
		})
	}
}

func (c *Component) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":           serviceName,
		"ws_connections":    c.hub.Count(),
		"pending_approvals": len(c.Pending()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
