// Package event defines the canonical envelope and typed payload contracts
// for every message on the ADMADC event bus.
//
// Determinism guarantees:
//   - event_id is a fresh UUID per envelope
//   - idempotency_key is derived from (event_type + canonical payload hash),
//     so two envelopes carrying the same logical operation share a key
//   - timestamp is UTC with an explicit offset
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope contract version stamped on every event.
const Version = "1.0"

// Type identifies an event on the bus. The set is closed: unknown types fail
// validation.
type Type string

const (
	TypePlanRequested         Type = "plan.requested"
	TypePlanCreated           Type = "plan.created"
	TypePlanRevisionSuggested Type = "plan.revision_suggested"
	TypePlanRevisionConfirmed Type = "plan.revision_confirmed"
	TypeTaskAssigned          Type = "task.assigned"
	TypeCodeGenerated         Type = "code.generated"
	TypeQAPassed              Type = "qa.passed"
	TypeQAFailed              Type = "qa.failed"
	TypePRRequested           Type = "pr.requested"
	TypeSecurityApproved      Type = "security.approved"
	TypeSecurityBlocked       Type = "security.blocked"
	TypePRPendingApproval     Type = "pr.pending_approval"
	TypePRHumanApproved       Type = "pr.human_approved"
	TypePRHumanRejected       Type = "pr.human_rejected"
	TypePRCreated             Type = "pr.created"
	TypePipelineConclusion    Type = "pipeline.conclusion"
	TypeMemoryStore           Type = "memory.store"
	TypeMemoryQuery           Type = "memory.query"
	TypeMetricsTokensUsed     Type = "metrics.tokens_used"
)

// knownTypes is the closed enum used by validation.
var knownTypes = map[Type]struct{}{
	TypePlanRequested:         {},
	TypePlanCreated:           {},
	TypePlanRevisionSuggested: {},
	TypePlanRevisionConfirmed: {},
	TypeTaskAssigned:          {},
	TypeCodeGenerated:         {},
	TypeQAPassed:              {},
	TypeQAFailed:              {},
	TypePRRequested:           {},
	TypeSecurityApproved:      {},
	TypeSecurityBlocked:       {},
	TypePRPendingApproval:     {},
	TypePRHumanApproved:       {},
	TypePRHumanRejected:       {},
	TypePRCreated:             {},
	TypePipelineConclusion:    {},
	TypeMemoryStore:           {},
	TypeMemoryQuery:           {},
	TypeMetricsTokensUsed:     {},
}

// Known reports whether t is part of the closed event-type enum.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the canonical wrapper around every bus message.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      Type            `json:"event_type"`
	Version        string          `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	Producer       string          `json:"producer"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// New builds an envelope for the given payload, filling event_id, version,
// timestamp, and the deterministic idempotency key.
func New(eventType Type, producer string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	key, err := IdempotencyKey(eventType, raw)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:        uuid.New().String(),
		EventType:      eventType,
		Version:        Version,
		Timestamp:      time.Now().UTC(),
		Producer:       producer,
		IdempotencyKey: key,
		Payload:        raw,
	}, nil
}

// MustNew is New for payloads the caller controls; it panics on marshal
// failure, which only happens for non-serializable types.
func MustNew(eventType Type, producer string, payload any) *Envelope {
	env, err := New(eventType, producer, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// IdempotencyKey computes sha256(event_type + ":" + sha256(canonical payload)).
// The payload is canonicalized (keys sorted recursively, stable number and
// string forms) so the key is identical across processes for semantically
// equal payloads.
func IdempotencyKey(eventType Type, payload json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	payloadHash := sha256.Sum256(canonical)
	raw := string(eventType) + ":" + hex.EncodeToString(payloadHash[:])
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}

// Validate decodes raw JSON into an envelope and checks the contract:
// known event type, non-empty producer and payload, and a consistent
// idempotency key. Missing event_id or timestamp are filled in.
func Validate(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if !Known(env.EventType) {
		return nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
	if env.Producer == "" {
		return nil, fmt.Errorf("envelope missing producer")
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	if env.Version == "" {
		env.Version = Version
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.IdempotencyKey == "" {
		key, err := IdempotencyKey(env.EventType, env.Payload)
		if err != nil {
			return nil, err
		}
		env.IdempotencyKey = key
	}

	return &env, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Short truncates an ID to its first 8 characters for log lines.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// PlanID extracts the plan_id field from the payload, or "" when absent.
// Used by the memory facade to index event rows.
func (e *Envelope) PlanID() string {
	var probe struct {
		PlanID         string `json:"plan_id"`
		OriginalPlanID string `json:"original_plan_id"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	if probe.PlanID != "" {
		return probe.PlanID
	}
	return probe.OriginalPlanID
}
