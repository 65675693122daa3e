package bus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/event"
)

// newDeliveryBus starts an embedded JetStream server and wraps a bus around
// it with backoff sleeps disabled, so the retry path runs at test speed.
func newDeliveryBus(t *testing.T) *Bus {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)

	b, err := New(conn, "test",
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMaxRetries(3),
		WithBackoffBase(time.Millisecond))
	require.NoError(t, err)
	b.sleep = func(time.Duration) {}
	require.NoError(t, b.EnsureStreams(context.Background()))
	t.Cleanup(b.Close)
	return b
}

func planEnvelope(t *testing.T, prompt string) *event.Envelope {
	t.Helper()
	env, err := event.New(event.TypePlanRequested, "test", event.PlanRequested{
		UserPrompt:  prompt,
		ProjectName: "demo",
	})
	require.NoError(t, err)
	return env
}

func TestDeliveryHappyPath(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	got := make(chan *event.Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, "q.happy", []string{string(event.TypePlanRequested)},
		func(_ context.Context, env *event.Envelope) error {
			got <- env
			return nil
		}))

	sent, err := b.Emit(ctx, event.TypePlanRequested, event.PlanRequested{
		UserPrompt:  "build a parser",
		ProjectName: "demo",
	})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, sent.EventID, env.EventID)
		var payload event.PlanRequested
		require.NoError(t, event.Decode(env, &payload))
		assert.Equal(t, "build a parser", payload.UserPrompt)
	case <-time.After(10 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestDuplicatePublishDeliveredOnce(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(ctx, "q.dedup", []string{string(event.TypePlanRequested)},
		func(_ context.Context, _ *event.Envelope) error {
			calls.Add(1)
			return nil
		}))

	env := planEnvelope(t, "same prompt")
	require.NoError(t, b.Publish(ctx, env))
	require.NoError(t, b.Publish(ctx, env))

	require.Eventually(t, func() bool { return calls.Load() >= 1 },
		10*time.Second, 50*time.Millisecond, "first delivery never arrived")
	assert.Never(t, func() bool { return calls.Load() > 1 },
		2*time.Second, 50*time.Millisecond, "duplicate idempotency key must be swallowed")
}

func TestHandlerRetrySucceedsWithoutDLQ(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	deadLetters := make(chan *event.Envelope, 1)
	require.NoError(t, b.SubscribeDLQ(ctx, "q.flaky", func(_ context.Context, env *event.Envelope) error {
		deadLetters <- env
		return nil
	}))

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(ctx, "q.flaky", []string{string(event.TypePlanRequested)},
		func(_ context.Context, _ *event.Envelope) error {
			if calls.Add(1) < 3 {
				return assert.AnError
			}
			return nil
		}))

	_, err := b.Emit(ctx, event.TypePlanRequested, event.PlanRequested{
		UserPrompt:  "transient failure",
		ProjectName: "demo",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 3 },
		15*time.Second, 50*time.Millisecond, "handler should be invoked once per attempt")

	select {
	case <-deadLetters:
		t.Fatal("message dead-lettered despite the final attempt succeeding")
	case <-time.After(2 * time.Second):
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	deadLetters := make(chan *event.Envelope, 1)
	require.NoError(t, b.SubscribeDLQ(ctx, "q.poison", func(_ context.Context, env *event.Envelope) error {
		deadLetters <- env
		return nil
	}))

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(ctx, "q.poison", []string{string(event.TypePlanRequested)},
		func(_ context.Context, _ *event.Envelope) error {
			calls.Add(1)
			return assert.AnError
		}))

	sent, err := b.Emit(ctx, event.TypePlanRequested, event.PlanRequested{
		UserPrompt:  "always fails",
		ProjectName: "demo",
	})
	require.NoError(t, err)

	select {
	case env := <-deadLetters:
		assert.Equal(t, sent.EventID, env.EventID)
	case <-time.After(20 * time.Second):
		t.Fatal("exhausted message never reached the dead-letter queue")
	}
	assert.EqualValues(t, 3, calls.Load(), "three attempts before dead-lettering")

	_, _, deadlined := b.Stats()
	assert.EqualValues(t, 1, deadlined)
}

func TestPanickingHandlerIsRetriedNotFatal(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(ctx, "q.panicky", []string{string(event.TypePlanRequested)},
		func(_ context.Context, _ *event.Envelope) error {
			if calls.Add(1) == 1 {
				panic("handler blew up")
			}
			return nil
		}))

	_, err := b.Emit(ctx, event.TypePlanRequested, event.PlanRequested{
		UserPrompt:  "panic once",
		ProjectName: "demo",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 2 },
		15*time.Second, 50*time.Millisecond, "panic should count as a failed attempt and be retried")
}

func TestMalformedEnvelopeDeadLettered(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(ctx, "q.garbage", []string{string(event.TypePlanRequested)},
		func(_ context.Context, _ *event.Envelope) error {
			calls.Add(1)
			return nil
		}))

	_, err := b.js.Publish(ctx, Subject(event.TypePlanRequested), []byte("not an envelope"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, deadlined := b.Stats()
		return deadlined == 1
	}, 10*time.Second, 50*time.Millisecond, "malformed body should be parked immediately")
	assert.Zero(t, calls.Load(), "handler must never see an unparseable body")
}

func TestCloseStopsAllConsumeLoops(t *testing.T) {
	b := newDeliveryBus(t)
	ctx := context.Background()

	noop := func(_ context.Context, _ *event.Envelope) error { return nil }
	require.NoError(t, b.Subscribe(ctx, "q.first", []string{string(event.TypePlanRequested)}, noop))
	require.NoError(t, b.Subscribe(ctx, "q.second", []string{matchAll}, noop))
	require.NoError(t, b.SubscribeDLQ(ctx, "q.first", noop))

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked; a consume loop is not on the bus-internal context")
	}
}
