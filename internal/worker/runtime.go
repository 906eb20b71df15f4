// Package worker runs task handlers against the durable function
// queues. The runtime owns decoding, result publication, sequencing,
// timeouts and panic containment; handlers only produce chunks.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/metrics"
)

// Chunk is one streamed piece of handler output.
type Chunk struct {
	Event   string
	Data    string
	Payload json.RawMessage
}

// Handler processes one task, streaming intermediate output through
// out. Returning nil publishes a final succeeded result; returning an
// error publishes a final failed result. Handlers must respect ctx.
type Handler interface {
	Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *envelope.Task, out chan<- Chunk) error

func (f HandlerFunc) Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error {
	return f(ctx, task, out)
}

// ResultPublisher is the slice of the broker adapter the runtime needs.
type ResultPublisher interface {
	PublishResult(ctx context.Context, routingKey string, payload interface{}) error
}

// Consumer registers queue consumers; satisfied by the broker adapter.
type Consumer interface {
	Consume(queue string, handler func(amqp.Delivery)) error
}

// ResultRecorder persists a job's terminal output to the tenant
// document store; satisfied by *docstore.Store.
type ResultRecorder interface {
	AppendLog(ctx context.Context, entry docstore.LogEntry) error
}

// Config tunes the runtime.
type Config struct {
	// HandlerTimeout bounds one task execution.
	HandlerTimeout time.Duration
	// ShutdownGrace bounds the drain on Close.
	ShutdownGrace time.Duration
}

// Runtime dispatches deliveries from one or more queues to registered
// handlers.
type Runtime struct {
	publisher ResultPublisher
	recorder  ResultRecorder
	cfg       Config
	logger    *logger.Logger

	mu       sync.RWMutex
	handlers map[envelope.Function]Handler

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closing sync.Once
}

// New builds a runtime.
func New(publisher ResultPublisher, cfg Config, log *logger.Logger) *Runtime {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 300 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		publisher: publisher,
		cfg:       cfg,
		logger:    log.WithComponent("worker"),
		handlers:  make(map[envelope.Function]Handler),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetRecorder enables terminal-result logging through rec. Call before
// Consume; a nil recorder disables recording.
func (r *Runtime) SetRecorder(rec ResultRecorder) {
	r.recorder = rec
}

// Register binds a handler to a function family.
func (r *Runtime) Register(fn envelope.Function, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[fn] = h
}

// Consume attaches the runtime to a queue on the given consumer.
func (r *Runtime) Consume(c Consumer, queue string) error {
	return c.Consume(queue, func(d amqp.Delivery) {
		r.wg.Add(1)
		defer r.wg.Done()
		r.dispatch(queue, d)
	})
}

// dispatch handles one delivery end to end. Every outcome acks: a task
// that cannot be processed is reported as failed, not redelivered
// forever. Only broker-level publish failures reject to the DLX.
func (r *Runtime) dispatch(queue string, d amqp.Delivery) {
	ctx := logger.WithQueue(r.ctx, queue)

	task, err := envelope.DecodeTask(d.Body)
	if err != nil {
		r.publishTerminalFailure(ctx, looseJobID(d.Body), "", "invalid_json")
		r.logger.WithContext(ctx).Warn("dropping malformed task", "error", err)
		_ = d.Ack(false)
		return
	}

	ctx = logger.WithJobID(ctx, task.JobID)
	if task.SessionID != "" {
		ctx = logger.WithSessionID(ctx, task.SessionID)
	}
	log := r.logger.WithContext(ctx)

	if err := task.Validate(); err != nil {
		r.publishTerminalFailure(ctx, task.JobID, task.Function, err.Error())
		log.Warn("rejecting invalid task", "error", err)
		_ = d.Ack(false)
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[task.Function]
	r.mu.RUnlock()
	if !ok {
		r.publishTerminalFailure(ctx, task.JobID, task.Function, "no_handler")
		log.Error("no handler registered", "function", task.Function)
		_ = d.Ack(false)
		return
	}

	if d.Redelivered {
		log.Info("processing redelivered task")
	}

	if err := r.run(ctx, task, handler); err != nil {
		metrics.HandlerFailures.WithLabelValues(queue).Inc()
		log.LogError(ctx, err, "task failed")
	}
	_ = d.Ack(false)
}

// run executes the handler with timeout and panic containment, relays
// its chunks as sequenced results and publishes the terminal result.
func (r *Runtime) run(ctx context.Context, task *envelope.Task, handler Handler) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	out := make(chan Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("handler panic",
					"function", task.Function,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()))
				errCh <- fmt.Errorf("handler panic: %v", p)
				return
			}
		}()
		errCh <- handler.Handle(ctx, task, out)
	}()

	var seq uint64
	var output strings.Builder
	for chunk := range out {
		event := chunk.Event
		if event == "" {
			event = envelope.EventMessage
		}
		output.WriteString(chunk.Data)
		r.publishResult(ctx, task.Function, envelope.Result{
			JobID:     task.JobID,
			SessionID: task.SessionID,
			Event:     event,
			Seq:       seq,
			Chunk:     chunk.Data,
			Payload:   chunk.Payload,
			TS:        time.Now().UTC(),
		})
		seq++
	}

	err := <-errCh
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}

	if err != nil {
		r.publishResult(ctx, task.Function, envelope.Result{
			JobID:     task.JobID,
			SessionID: task.SessionID,
			Event:     envelope.EventFailed,
			Seq:       seq,
			Error:     err.Error(),
			Final:     true,
			TS:        time.Now().UTC(),
		})
		r.recordResult(ctx, task, output.String(), err.Error())
		return err
	}

	r.publishResult(ctx, task.Function, envelope.Result{
		JobID:     task.JobID,
		SessionID: task.SessionID,
		Event:     envelope.EventSucceeded,
		Seq:       seq,
		Final:     true,
		TS:        time.Now().UTC(),
	})
	r.recordResult(ctx, task, output.String(), "")
	return nil
}

// recordResult appends the job's terminal output to its thread log.
// The entry carries the job id, so a redelivered job appends at most
// once; the store's unique index enforces that.
func (r *Runtime) recordResult(ctx context.Context, task *envelope.Task, content, failure string) {
	if r.recorder == nil || task.ThreadID == "" {
		return
	}
	role := "ai"
	if failure != "" {
		role = "error"
		if content == "" {
			content = failure
		}
	}
	err := r.recorder.AppendLog(ctx, docstore.LogEntry{
		ThreadID: task.ThreadID,
		JobID:    task.JobID,
		Role:     role,
		Content:  content,
	})
	if err != nil {
		r.logger.WithContext(ctx).Warn("result log append failed", "error", err)
	}
}

func (r *Runtime) publishResult(ctx context.Context, fn envelope.Function, result envelope.Result) {
	key := envelope.ResultRoutingKey(fn, result.Event)
	if err := r.publisher.PublishResult(ctx, key, result); err != nil {
		r.logger.WithContext(ctx).Error("result publish failed",
			"routing_key", key, "error", err)
	}
}

func (r *Runtime) publishTerminalFailure(ctx context.Context, jobID string, fn envelope.Function, reason string) {
	r.publishResult(ctx, fn, envelope.Result{
		JobID: jobID,
		Event: envelope.EventFailed,
		Error: reason,
		Final: true,
		TS:    time.Now().UTC(),
	})
}

// Close stops accepting work and waits up to the shutdown grace for
// in-flight handlers.
func (r *Runtime) Close() {
	r.closing.Do(func() {
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.cfg.ShutdownGrace):
			r.logger.Warn("shutdown grace elapsed with handlers still running")
		}
		r.cancel()
	})
}

// looseJobID best-effort extracts a job id from a payload that failed
// typed decoding, so the failure result can still be correlated.
func looseJobID(body []byte) string {
	var head struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	return head.JobID
}
