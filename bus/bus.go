// Package bus is the durable pub/sub backbone of the pipeline. It maps
// event types onto JetStream subjects, enforces per-queue idempotent
// delivery, and implements bounded retry with dead-lettering.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/admadc/admadc/event"
)

// Header names carried on every bus message.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRetryCount     = "X-Retry-Count"
	HeaderFinalFailure   = "X-Final-Failure"
)

// Handler processes one delivered envelope. A non-nil error triggers the
// retry algorithm; success acknowledges the delivery.
type Handler func(ctx context.Context, env *event.Envelope) error

// Bus is a thin coordination layer over a NATS JetStream connection.
type Bus struct {
	logger   *slog.Logger
	conn     *nats.Conn
	js       jetstream.JetStream
	producer string

	idem        IdempotencyStore
	idemTTL     time.Duration
	maxRetries  int
	backoffBase time.Duration
	maxBackoff  time.Duration

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)

	mu      sync.Mutex
	running bool
	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published uint64
	consumed  uint64
	deadlined uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithIdempotencyStore replaces the default in-process dedup store.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(b *Bus) { b.idem = store }
}

// WithMaxRetries bounds redeliveries before dead-lettering.
func WithMaxRetries(n int) Option {
	return func(b *Bus) { b.maxRetries = n }
}

// WithBackoffBase sets the first retry delay; later retries double it up to
// the cap.
func WithBackoffBase(d time.Duration) Option {
	return func(b *Bus) { b.backoffBase = d }
}

// New wraps an established NATS connection.
func New(conn *nats.Conn, producer string, opts ...Option) (*Bus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Bus{
		logger:      slog.Default(),
		conn:        conn,
		js:          js,
		producer:    producer,
		idem:        NewMemoryIdempotencyStore(),
		idemTTL:     24 * time.Hour,
		maxRetries:  3,
		backoffBase: time.Second,
		maxBackoff:  32 * time.Second,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Connect dials NATS and wraps the connection.
func Connect(url, producer string, opts ...Option) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return New(conn, producer, opts...)
}

// EnsureStreams creates the event and dead-letter streams if absent.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStream,
			Subjects:  []string{allEvents},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
		},
		{
			Name:      DLXStream,
			Subjects:  []string{dlxPrefix + ">"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    30 * 24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish emits one envelope under its type subject.
func (b *Bus) Publish(ctx context.Context, env *event.Envelope) error {
	if !event.Known(env.EventType) {
		return fmt.Errorf("refusing to publish unknown event type %q", env.EventType)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(env.EventType),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderIdempotencyKey, env.IdempotencyKey)
	msg.Header.Set(HeaderRetryCount, "0")

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	b.logger.Debug("Published event",
		"event_type", env.EventType,
		"event_id", env.EventID,
		"producer", env.Producer)
	return nil
}

// Emit builds an envelope from a typed payload and publishes it.
func (b *Bus) Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error) {
	env, err := event.New(eventType, b.producer, payload)
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Subscribe binds a durable queue to one or more routing patterns and starts
// a consume loop. The "#" binding receives every event. Each queue gets its
// own durable consumer, so independent queues each see a full copy of the
// matched stream.
func (b *Bus) Subscribe(ctx context.Context, queue string, bindings []string, handler Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("queue %s: at least one binding required", queue)
	}

	subjects := make([]string, len(bindings))
	for i, binding := range bindings {
		subjects[i] = BindingSubject(binding)
	}

	stream, err := b.js.Stream(ctx, EventStream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventStream, err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:        sanitizeDurable(queue),
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        180 * time.Second, // Allow time for LLM
		MaxDeliver:     -1,                // Redelivery is owned by the retry algorithm
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create consumer for queue %s: %w", queue, err)
	}

	go b.consumeLoop(b.loopContext(), queue, consumer, handler)

	b.logger.Info("Queue subscribed",
		"queue", queue,
		"bindings", bindings)
	return nil
}

// SubscribeDLQ attaches a handler to a queue's dead letters.
func (b *Bus) SubscribeDLQ(ctx context.Context, queue string, handler Handler) error {
	stream, err := b.js.Stream(ctx, DLXStream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", DLXStream, err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       sanitizeDurable("dlq." + queue),
		FilterSubject: DLQSubject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create DLQ consumer for queue %s: %w", queue, err)
	}

	go b.dlqLoop(b.loopContext(), queue, consumer, handler)
	return nil
}

// loopContext hands out the bus-internal cancellable context every consume
// loop runs on, so Close cancels all of them regardless of the caller's ctx.
func (b *Bus) loopContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		b.loopCtx, b.cancel = context.WithCancel(context.Background())
	}
	b.running = true
	b.wg.Add(1)
	return b.loopCtx
}

func (b *Bus) consumeLoop(ctx context.Context, queue string, consumer jetstream.Consumer, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("Fetch timeout or error", "queue", queue, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, queue, msg, handler)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			b.logger.Warn("Message fetch error", "queue", queue, "error", msgs.Error())
		}
	}
}

func (b *Bus) dlqLoop(ctx context.Context, queue string, consumer jetstream.Consumer, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			env, err := event.Validate(msg.Data())
			if err != nil {
				b.logger.Error("Unreadable dead letter", "queue", queue, "error", err)
				_ = msg.Ack()
				continue
			}
			if err := handler(ctx, env); err != nil {
				b.logger.Error("DLQ handler failed", "queue", queue, "error", err)
			}
			// Dead letters are terminal; the handler gets one shot.
			_ = msg.Ack()
		}
	}
}

// handleMessage runs the delivery algorithm for one message: dedup on the
// effective idempotency key, invoke the handler, and on failure either
// republish with an incremented retry count or park in the DLX.
func (b *Bus) handleMessage(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			b.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	b.mu.Lock()
	b.consumed++
	b.mu.Unlock()

	env, err := event.Validate(msg.Data())
	if err != nil {
		// A malformed envelope can never succeed; park it immediately.
		b.logger.Error("Invalid envelope, dead-lettering",
			"queue", queue, "error", err)
		b.deadLetter(ctx, queue, msg.Data(), msg.Headers())
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK invalid message", "error", err)
		}
		return
	}

	retryCount := headerRetryCount(msg.Headers())
	key := effectiveKey(env.IdempotencyKey, retryCount)

	first, err := b.idem.FirstSeen(ctx, queue+":"+key, b.idemTTL)
	if err != nil {
		b.logger.Warn("Idempotency check failed, processing anyway",
			"queue", queue, "error", err)
		first = true
	}
	if !first {
		b.logger.Debug("Duplicate delivery skipped",
			"queue", queue,
			"event_type", env.EventType,
			"event_id", env.EventID)
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK duplicate", "error", err)
		}
		return
	}

	handlerErr := b.invoke(ctx, handler, env)
	if handlerErr == nil {
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	b.logger.Warn("Handler failed",
		"queue", queue,
		"event_type", env.EventType,
		"event_id", env.EventID,
		"retry_count", retryCount,
		"error", handlerErr)

	if retryCount+1 < b.maxRetries {
		b.sleep(retryDelay(b.backoffBase, b.maxBackoff, retryCount))
		if err := b.republish(ctx, msg, retryCount+1); err != nil {
			b.logger.Error("Failed to republish for retry",
				"queue", queue, "error", err)
			if err := msg.Nak(); err != nil {
				b.logger.Warn("Failed to NAK message", "error", err)
			}
			return
		}
	} else {
		b.logger.Error("Retries exhausted, dead-lettering",
			"queue", queue,
			"event_type", env.EventType,
			"event_id", env.EventID)
		b.deadLetter(ctx, queue, msg.Data(), msg.Headers())
	}

	if err := msg.Ack(); err != nil {
		b.logger.Warn("Failed to ACK message", "error", err)
	}
}

// invoke runs the handler with panic containment. A panicking handler is a
// failed delivery, not a dead process.
func (b *Bus) invoke(ctx context.Context, handler Handler, env *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// republish re-emits the original message body on its original subject with
// the retry count bumped. The envelope bytes are untouched so the stable
// idempotency key plus the retry suffix forms the next delivery's key.
func (b *Bus) republish(ctx context.Context, msg jetstream.Msg, nextRetry int) error {
	out := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  nats.Header{},
	}
	for k, vals := range msg.Headers() {
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set(HeaderRetryCount, strconv.Itoa(nextRetry))

	if _, err := b.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("republish on %s: %w", msg.Subject(), err)
	}
	return nil
}

func (b *Bus) deadLetter(ctx context.Context, queue string, data []byte, headers nats.Header) {
	out := &nats.Msg{
		Subject: DLQSubject(queue),
		Data:    data,
		Header:  nats.Header{},
	}
	for k, vals := range headers {
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set(HeaderFinalFailure, "true")

	if _, err := b.js.PublishMsg(ctx, out); err != nil {
		b.logger.Error("Failed to publish dead letter",
			"queue", queue, "error", err)
		return
	}

	b.mu.Lock()
	b.deadlined++
	b.mu.Unlock()
}

// Close stops consume loops and drains the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.running = false
	b.mu.Unlock()

	b.wg.Wait()

	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}

// Stats reports publish/consume/dead-letter counters.
func (b *Bus) Stats() (published, consumed, deadlined uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.consumed, b.deadlined
}

// effectiveKey derives the per-delivery dedup key. The first delivery uses
// the envelope key directly; each retry gets its own key so a republished
// message is not swallowed by the dedup check that just saw its own body.
func effectiveKey(idempotencyKey string, retryCount int) string {
	if retryCount == 0 {
		return idempotencyKey
	}
	return idempotencyKey + ":retry:" + strconv.Itoa(retryCount)
}

// retryDelay is exponential backoff capped at max: base * 2^retryCount.
func retryDelay(base, max time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func headerRetryCount(h nats.Header) int {
	if h == nil {
		return 0
	}
	n, err := strconv.Atoi(h.Get(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
