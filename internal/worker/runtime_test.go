package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type capturePublisher struct {
	mu      sync.Mutex
	keys    []string
	results []envelope.Result
}

func (p *capturePublisher) PublishResult(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.results = append(p.results, payload.(envelope.Result))
	return nil
}

func (p *capturePublisher) all() []envelope.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]envelope.Result(nil), p.results...)
}

func newTestRuntime(pub ResultPublisher) *Runtime {
	return New(pub, Config{HandlerTimeout: 5 * time.Second, ShutdownGrace: time.Second}, testLogger())
}

func deliveryFor(t *testing.T, task envelope.Task) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Body: body}
}

func validTask() envelope.Task {
	return envelope.Task{
		JobID:       envelope.NewJobID(),
		UserID:      "u1",
		Function:    envelope.FunctionAssist,
		SubFunction: "summarize",
		Prompt:      "hello",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestDispatchSuccessSequencesChunks(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, out chan<- Chunk) error {
		out <- Chunk{Data: "first"}
		out <- Chunk{Data: "second"}
		return nil
	}))

	task := validTask()
	rt.dispatch("q.assist", deliveryFor(t, task))

	results := pub.all()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.JobID != task.JobID {
			t.Fatalf("result %d job id = %q", i, r.JobID)
		}
		if r.Seq != uint64(i) {
			t.Fatalf("result %d seq = %d", i, r.Seq)
		}
	}
	if results[0].Event != envelope.EventMessage || results[0].Chunk != "first" {
		t.Fatalf("first result = %+v", results[0])
	}
	if results[1].Chunk != "second" {
		t.Fatalf("second result = %+v", results[1])
	}
	final := results[2]
	if final.Event != envelope.EventSucceeded || !final.Final {
		t.Fatalf("final result = %+v", final)
	}
}

func TestDispatchInvalidJSON(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)

	rt.dispatch("q.assist", amqp.Delivery{Body: []byte(`{"job_id":"abc123","user_id":`)})

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Event != envelope.EventFailed || !r.Final {
		t.Fatalf("result = %+v", r)
	}
	if r.Error != "invalid_json" {
		t.Fatalf("error = %q", r.Error)
	}
}

func TestDispatchInvalidJSONWithRecoverableJobID(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)

	// valid JSON, unknown function: typed decoding rejects it but the
	// job id is still recoverable for correlation
	rt.dispatch("q.assist", amqp.Delivery{Body: []byte(`{"job_id":"abc123","function":"nope"}`)})

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].JobID != "abc123" {
		t.Fatalf("job id = %q, want abc123", results[0].JobID)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, out chan<- Chunk) error {
		out <- Chunk{Data: "partial"}
		return fmt.Errorf("upstream exploded")
	}))

	rt.dispatch("q.assist", deliveryFor(t, validTask()))

	results := pub.all()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	final := results[1]
	if final.Event != envelope.EventFailed || !final.Final {
		t.Fatalf("final = %+v", final)
	}
	if final.Error != "upstream exploded" {
		t.Fatalf("error = %q", final.Error)
	}
	if final.Seq != 1 {
		t.Fatalf("final seq = %d", final.Seq)
	}
}

func TestDispatchHandlerPanic(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, _ chan<- Chunk) error {
		panic("boom")
	}))

	rt.dispatch("q.assist", deliveryFor(t, validTask()))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	final := results[0]
	if final.Event != envelope.EventFailed || !final.Final {
		t.Fatalf("final = %+v", final)
	}
	if final.Error != "handler panic: boom" {
		t.Fatalf("error = %q", final.Error)
	}
}

func TestDispatchNoHandler(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)

	rt.dispatch("q.assist", deliveryFor(t, validTask()))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Error != "no_handler" {
		t.Fatalf("error = %q", results[0].Error)
	}
}

func TestDispatchRejectsInvalidTask(t *testing.T) {
	pub := &capturePublisher{}
	rt := newTestRuntime(pub)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, _ chan<- Chunk) error {
		t.Error("handler ran for an invalid task")
		return nil
	}))

	task := validTask()
	task.UserID = ""
	rt.dispatch("q.assist", deliveryFor(t, task))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Event != envelope.EventFailed || !results[0].Final {
		t.Fatalf("result = %+v", results[0])
	}
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []docstore.LogEntry
}

func (r *captureRecorder) AppendLog(_ context.Context, entry docstore.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func TestTerminalResultRecordedWithJobID(t *testing.T) {
	pub := &capturePublisher{}
	rec := &captureRecorder{}
	rt := newTestRuntime(pub)
	rt.SetRecorder(rec)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, out chan<- Chunk) error {
		out <- Chunk{Data: "안녕"}
		out <- Chunk{Data: "하세요"}
		return nil
	}))

	task := validTask()
	task.ThreadID = "thread-1"
	rt.dispatch("q.assist", deliveryFor(t, task))

	if len(rec.entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.JobID != task.JobID {
		t.Fatalf("entry job id = %q, want %q", entry.JobID, task.JobID)
	}
	if entry.ThreadID != "thread-1" || entry.Role != "ai" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Content != "안녕하세요" {
		t.Fatalf("content = %q", entry.Content)
	}
}

func TestTerminalFailureRecorded(t *testing.T) {
	pub := &capturePublisher{}
	rec := &captureRecorder{}
	rt := newTestRuntime(pub)
	rt.SetRecorder(rec)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, _ chan<- Chunk) error {
		return fmt.Errorf("model unreachable")
	}))

	task := validTask()
	task.ThreadID = "thread-1"
	rt.dispatch("q.assist", deliveryFor(t, task))

	if len(rec.entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.Role != "error" || entry.Content != "model unreachable" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.JobID != task.JobID {
		t.Fatalf("entry job id = %q", entry.JobID)
	}
}

func TestNoThreadSkipsRecording(t *testing.T) {
	pub := &capturePublisher{}
	rec := &captureRecorder{}
	rt := newTestRuntime(pub)
	rt.SetRecorder(rec)
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(_ context.Context, _ *envelope.Task, _ chan<- Chunk) error {
		return nil
	}))

	rt.dispatch("q.assist", deliveryFor(t, validTask()))

	if len(rec.entries) != 0 {
		t.Fatalf("recorded %d entries for a task without a thread", len(rec.entries))
	}
}

func TestDispatchHandlerTimeout(t *testing.T) {
	pub := &capturePublisher{}
	rt := New(pub, Config{HandlerTimeout: 50 * time.Millisecond, ShutdownGrace: time.Second}, testLogger())
	rt.Register(envelope.FunctionAssist, HandlerFunc(func(ctx context.Context, _ *envelope.Task, _ chan<- Chunk) error {
		<-ctx.Done()
		return nil
	}))

	rt.dispatch("q.assist", deliveryFor(t, validTask()))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Event != envelope.EventFailed {
		t.Fatalf("event = %q", results[0].Event)
	}
}
