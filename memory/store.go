// Package memory is the unified memory facade: a structured event log and
// task state on JetStream KV, an operational cache on Redis with an
// in-process fallback, and an in-process vector index for semantic recall.
// Every other service talks to memory through its HTTP surface only.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/admadc/admadc/event"
)

const (
	eventBucket = "ADMADC_EVENTS"
	taskBucket  = "ADMADC_TASKS"
)

// EventRow is one persisted event-log entry.
type EventRow struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Producer       string          `json:"producer"`
	IdempotencyKey string          `json:"idempotency_key"`
	PlanID         string          `json:"plan_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskRow is the persisted state of one task.
type TaskRow struct {
	TaskID    string    `json:"task_id"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	FilePath  string    `json:"file_path"`
	Code      string    `json:"code"`
	RepoURL   string    `json:"repo_url"`
	QAAttempt int       `json:"qa_attempt"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskUpdate carries one upsert. Empty strings leave existing fields
// untouched; QAAttempt overwrites only when non-nil.
type TaskUpdate struct {
	TaskID    string `json:"task_id"`
	PlanID    string `json:"plan_id"`
	Status    string `json:"status"`
	FilePath  string `json:"file_path,omitempty"`
	Code      string `json:"code,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`
	QAAttempt *int   `json:"qa_attempt,omitempty"`
}

// Store persists the event log and task state in JetStream KV buckets.
type Store struct {
	logger *slog.Logger
	js     jetstream.JetStream
	events jetstream.KeyValue
	tasks  jetstream.KeyValue
	index  *Index
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the structured logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithIndex attaches a vector index; selected event types are indexed on
// store. Nil disables semantic indexing.
func WithIndex(index *Index) StoreOption {
	return func(s *Store) { s.index = index }
}

// NewStore creates or binds the KV buckets.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		js:     js,
	}
	for _, opt := range opts {
		opt(s)
	}

	events, err := getOrCreateBucket(ctx, js, eventBucket)
	if err != nil {
		return nil, err
	}
	s.events = events

	tasks, err := getOrCreateBucket(ctx, js, taskBucket)
	if err != nil {
		return nil, err
	}
	s.tasks = tasks

	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

// StoreEvent persists one envelope. Returns false when the event_id already
// exists. Indexing into the vector store happens after the row is durable
// and never fails the call.
func (s *Store) StoreEvent(ctx context.Context, env *event.Envelope) (bool, error) {
	row := EventRow{
		EventID:        env.EventID,
		EventType:      string(env.EventType),
		Producer:       env.Producer,
		IdempotencyKey: env.IdempotencyKey,
		PlanID:         env.PlanID(),
		Payload:        env.Payload,
		CreatedAt:      env.Timestamp,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("marshal event row: %w", err)
	}

	_, err = s.events.Create(ctx, sanitizeKey(env.EventID), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("store event %s: %w", env.EventID, err)
	}

	if s.index != nil {
		if err := s.index.IndexEvent(ctx, env); err != nil {
			s.logger.Warn("Semantic indexing failed",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"error", err)
		}
	}
	return true, nil
}

// GetEvents scans the event bucket and returns matching rows, most recent
// first. Empty filters match everything.
func (s *Store) GetEvents(ctx context.Context, eventType, planID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 50
	}

	keys, err := s.listKeys(ctx, s.events)
	if err != nil {
		return nil, err
	}

	rows := make([]EventRow, 0, len(keys))
	for _, key := range keys {
		entry, err := s.events.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get event %s: %w", key, err)
		}

		var row EventRow
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			s.logger.Warn("Skipping unreadable event row", "key", key, "error", err)
			continue
		}

		if eventType != "" && row.EventType != eventType {
			continue
		}
		if planID != "" && row.PlanID != planID {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// UpdateTask upserts one task row, merging per the facade contract.
func (s *Store) UpdateTask(ctx context.Context, update TaskUpdate) error {
	if update.TaskID == "" {
		return fmt.Errorf("task update missing task_id")
	}

	key := sanitizeKey(update.TaskID)

	row := TaskRow{
		TaskID: update.TaskID,
		PlanID: update.PlanID,
		Status: update.Status,
	}
	if row.Status == "" {
		row.Status = "pending"
	}

	entry, err := s.tasks.Get(ctx, key)
	if err == nil {
		var existing TaskRow
		if err := json.Unmarshal(entry.Value(), &existing); err == nil {
			row = mergeTask(existing, update)
		}
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("get task %s: %w", update.TaskID, err)
	} else {
		row.FilePath = update.FilePath
		row.Code = update.Code
		row.RepoURL = update.RepoURL
		if update.QAAttempt != nil {
			row.QAAttempt = *update.QAAttempt
		}
	}

	row.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal task row: %w", err)
	}
	if _, err := s.tasks.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put task %s: %w", update.TaskID, err)
	}
	return nil
}

// mergeTask applies an update on top of an existing row. Status always
// follows the update; other string fields keep the existing value when the
// update is empty; qa_attempt overwrites only when supplied.
func mergeTask(existing TaskRow, update TaskUpdate) TaskRow {
	out := existing
	if update.Status != "" {
		out.Status = update.Status
	}
	if update.FilePath != "" {
		out.FilePath = update.FilePath
	}
	if update.Code != "" {
		out.Code = update.Code
	}
	if update.RepoURL != "" {
		out.RepoURL = update.RepoURL
	}
	if update.QAAttempt != nil {
		out.QAAttempt = *update.QAAttempt
	}
	if update.PlanID != "" {
		out.PlanID = update.PlanID
	}
	return out
}

// GetTasks returns every task row belonging to a plan.
func (s *Store) GetTasks(ctx context.Context, planID string) ([]TaskRow, error) {
	keys, err := s.listKeys(ctx, s.tasks)
	if err != nil {
		return nil, err
	}

	rows := make([]TaskRow, 0, len(keys))
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get task %s: %w", key, err)
		}

		var row TaskRow
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			s.logger.Warn("Skipping unreadable task row", "key", key, "error", err)
			continue
		}
		if row.PlanID == planID {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].TaskID < rows[j].TaskID
	})
	return rows, nil
}

func (s *Store) listKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// sanitizeKey rewrites identifiers into valid KV keys. UUIDs pass through
// unchanged; anything with path separators or spaces is rewritten.
func sanitizeKey(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
