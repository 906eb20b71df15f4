package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/metrics"
)

const (
	// Publish retry policy: 5 attempts, exponential backoff.
	publishAttempts = 5
	backoffBase     = 100 * time.Millisecond
	backoffCap      = 5 * time.Second

	reconnectDelay = 3 * time.Second
	confirmTimeout = 10 * time.Second
)

// ErrBrokerUnavailable is returned when a publish exhausts its retries.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrShutdown is returned for operations attempted after Close.
var ErrShutdown = errors.New("broker adapter is shutting down")

// Config carries the AMQP endpoint settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Prefetch int

	// QueueBindings overrides the built-in topology when non-nil.
	QueueBindings map[string][]string
}

func (c Config) uri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

func (c Config) bindings() map[string][]string {
	if c.QueueBindings != nil {
		return c.QueueBindings
	}
	return QueueBindings
}

// consumerSpec remembers an active consumer so it can be resumed after
// a reconnect. Unacked messages are redelivered by the broker per AMQP
// semantics; handlers see the Redelivered flag.
type consumerSpec struct {
	queue   string
	handler func(amqp.Delivery)
}

// Adapter owns the broker connection, a publisher channel pool and the
// consumer lifecycle. It owns no business data.
type Adapter struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	pubPool   chan *amqp.Channel
	consumers []consumerSpec
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the broker, declares the full topology and starts
// the reconnect watchdog.
func Dial(cfg Config, log *logger.Logger) (*Adapter, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:    cfg,
		logger: log.WithComponent("broker"),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := a.connect(); err != nil {
		cancel()
		return nil, err
	}

	a.wg.Add(1)
	go a.watchConnection()

	return a, nil
}

// connect dials, declares topology and rebuilds the publisher pool.
func (a *Adapter) connect() error {
	conn, err := amqp.Dial(a.cfg.uri())
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	setup, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareTopology(setup, a.cfg.bindings()); err != nil {
		setup.Close()
		conn.Close()
		return fmt.Errorf("declare topology: %w", err)
	}
	setup.Close()

	pool := make(chan *amqp.Channel, 4)
	for i := 0; i < cap(pool); i++ {
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("publisher channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return fmt.Errorf("confirm mode: %w", err)
		}
		pool <- ch
	}

	a.mu.Lock()
	a.conn = conn
	a.pubPool = pool
	consumers := make([]consumerSpec, len(a.consumers))
	copy(consumers, a.consumers)
	a.mu.Unlock()

	for _, spec := range consumers {
		if err := a.startConsumer(spec); err != nil {
			a.logger.Error("failed to resume consumer",
				slog.String("queue", spec.queue),
				slog.String("error", err.Error()))
		}
	}

	a.logger.Info("connected to broker", slog.String("host", a.cfg.Host))
	return nil
}

// watchConnection redials whenever the connection drops, re-declaring
// topology and resuming consumers.
func (a *Adapter) watchConnection() {
	defer a.wg.Done()

	for {
		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-a.ctx.Done():
			return
		case amqpErr := <-closed:
			if amqpErr == nil {
				// Clean shutdown.
				return
			}
			a.logger.Warn("broker connection lost, reconnecting",
				slog.String("error", amqpErr.Error()))
		}

		for {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if err := a.connect(); err != nil {
				a.logger.Error("reconnect failed", slog.String("error", err.Error()))
				continue
			}
			break
		}
	}
}

// acquire borrows a publisher channel from the pool.
func (a *Adapter) acquire(ctx context.Context) (*amqp.Channel, error) {
	a.mu.RLock()
	pool := a.pubPool
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}

	select {
	case ch := <-pool:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) release(ch *amqp.Channel) {
	if ch.IsClosed() {
		// The pool is rebuilt on reconnect; drop dead channels.
		return
	}
	a.mu.RLock()
	pool := a.pubPool
	a.mu.RUnlock()
	select {
	case pool <- ch:
	default:
		ch.Close()
	}
}

// publish sends one persistent JSON message and waits for the broker
// confirmation. Retries with exponential backoff; a message is never
// half-published.
func (a *Adapter) publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	body, err := envelope.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	backoff := backoffBase
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		lastErr = a.tryPublish(ctx, exchange, routingKey, body)
		if lastErr == nil {
			metrics.PublishedMessages.WithLabelValues(exchange).Inc()
			return nil
		}
		if errors.Is(lastErr, ErrShutdown) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		a.logger.Warn("publish failed",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	metrics.PublishFailures.WithLabelValues(exchange).Inc()
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, lastErr)
}

func (a *Adapter) tryPublish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer a.release(ch)

	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	conf, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := conf.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish nacked by broker")
	}
	return nil
}

// PublishTask publishes a task envelope to the tasks exchange.
func (a *Adapter) PublishTask(ctx context.Context, routingKey string, payload interface{}) error {
	return a.publish(ctx, TasksExchange, routingKey, payload)
}

// PublishResult publishes a result envelope to the results exchange.
func (a *Adapter) PublishResult(ctx context.Context, routingKey string, payload interface{}) error {
	return a.publish(ctx, ResultsExchange, routingKey, payload)
}

// PublishChatMessage publishes one seller turn to the chat exchange.
func (a *Adapter) PublishChatMessage(ctx context.Context, payload interface{}) error {
	return a.publish(ctx, ChatMessagesExchange, ChatRoutingKey, payload)
}

// PublishChatResponse fans a chunk out to every chat stream subscriber.
func (a *Adapter) PublishChatResponse(ctx context.Context, payload interface{}) error {
	return a.publish(ctx, ChatResponsesExchange, "", payload)
}

// Consume registers a long-lived consumer on a durable queue. The
// handler must eventually ack or reject every delivery. The consumer
// survives reconnects.
func (a *Adapter) Consume(queue string, handler func(amqp.Delivery)) error {
	spec := consumerSpec{queue: queue, handler: handler}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrShutdown
	}
	a.consumers = append(a.consumers, spec)
	a.mu.Unlock()

	return a.startConsumer(spec)
}

func (a *Adapter) startConsumer(spec consumerSpec) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}

	prefetch := a.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(spec.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", spec.queue, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ch.Close()
		a.runConsumer(spec, deliveries)
	}()

	return nil
}

// runConsumer pumps deliveries to the handler, one goroutine per
// delivery so a slow task cannot head-of-line block the queue. The
// channel Qos bounds in-flight deliveries at the prefetch count.
func (a *Adapter) runConsumer(spec consumerSpec, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel closed; the reconnect path restarts us.
				return
			}
			metrics.ConsumedMessages.WithLabelValues(spec.queue).Inc()
			a.wg.Add(1)
			go func(d amqp.Delivery) {
				defer a.wg.Done()
				spec.handler(d)
			}(d)
		}
	}
}

// ConsumeEphemeral binds an exclusive auto-delete queue to the given
// exchange and streams deliveries until cancel is called. Used by the
// result router and the SSE bridge; deliveries are auto-acked because
// a lost ephemeral subscriber has nothing to replay into.
func (a *Adapter) ConsumeEphemeral(exchange, pattern string) (<-chan amqp.Delivery, func(), error) {
	a.mu.RLock()
	conn := a.conn
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, nil, ErrShutdown
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("ephemeral queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("ephemeral bind: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("ephemeral consume: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ch.Close()
		})
	}
	return deliveries, cancel, nil
}

// Close shuts the adapter down. In-flight handlers finish; no new
// deliveries are dispatched.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
