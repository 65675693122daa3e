package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/planner"
)

func TestPlanEndpoint(t *testing.T) {
	pl := &fakePlanner{resp: planner.PlanResponse{PlanID: "p1", TaskCount: 2}}
	c := New(&fakeBus{}, &fakeMemory{}, pl)
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/plan", "application/json",
		strings.NewReader(`{"prompt": "build a login page"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan planner.PlanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plan))
	assert.Equal(t, "p1", plan.PlanID)
	assert.Equal(t, 2, plan.TaskCount)
}

func TestPlanEndpointRequiresPrompt(t *testing.T) {
	c := New(&fakeBus{}, &fakeMemory{}, &fakePlanner{})
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/plan", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalEndpoints(t *testing.T) {
	b := &fakeBus{}
	c := New(b, &fakeMemory{}, &fakePlanner{})
	c.newID = func() string { return "approval-1" }
	require.NoError(t, c.handleSecurityApproved(context.Background(), securityApprovedEnvelope(t, approvedResult())))

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/approvals")
	require.NoError(t, err)
	var listing struct {
		Approvals []event.ApprovalDecision `json:"approvals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Approvals, 1)

	resp, err = http.Post(srv.URL+"/api/approvals/approval-1/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, b.byType(event.TypePRHumanApproved), 1)

	resp, err = http.Post(srv.URL+"/api/approvals/approval-1/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "decided approvals are gone")
}

func TestStatusEndpoint(t *testing.T) {
	c := New(&fakeBus{}, &fakeMemory{}, &fakePlanner{})
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status struct {
		Service       string `json:"service"`
		WSConnections int    `json:"ws_connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "gateway", status.Service)
	assert.Zero(t, status.WSConnections)
}

func TestWebSocketHistoryAndBroadcast(t *testing.T) {
	env, err := event.New(event.TypePlanCreated, "planner", event.PlanCreated{PlanID: "p1"})
	require.NoError(t, err)
	payload, err := json.Marshal(event.PlanCreated{PlanID: "p1"})
	require.NoError(t, err)

	mem := &fakeMemory{rows: []memory.EventRow{{
		EventID:   env.EventID,
		EventType: "plan.created",
		Producer:  "planner",
		PlanID:    "p1",
		Payload:   payload,
	}}}
	c := New(&fakeBus{}, mem, &fakePlanner{})
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var history wsMessage
	require.NoError(t, conn.ReadJSON(&history))
	assert.Equal(t, "history", history.Type)
	require.NotNil(t, history.Row)
	assert.Equal(t, "plan.created", history.Row.EventType)

	// A bus event reaching the broadcaster shows up as a live frame.
	require.NoError(t, c.handleBroadcast(context.Background(), env))

	var live wsMessage
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, "event", live.Type)
	require.NotNil(t, live.Event)
	assert.Equal(t, event.TypePlanCreated, live.Event.EventType)
}
