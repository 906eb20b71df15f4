package hub

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := New(8, testLogger())
	sub, cancel := h.Subscribe("job-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish("job-1", envelope.Result{JobID: "job-1", Event: envelope.EventMessage, Seq: uint64(i), Chunk: fmt.Sprintf("c%d", i)})
	}

	for i := 0; i < 5; i++ {
		select {
		case r := <-sub.Ch():
			if r.Seq != uint64(i) {
				t.Fatalf("expected seq %d, got %d", i, r.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for chunk")
		}
	}
}

func TestPublishDoesNotCrossFilters(t *testing.T) {
	h := New(8, testLogger())
	sub, cancel := h.Subscribe("job-a")
	defer cancel()

	h.Publish("job-b", envelope.Result{JobID: "job-b", Event: envelope.EventMessage})

	select {
	case r := <-sub.Ch():
		t.Fatalf("unexpected chunk for foreign filter: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldestAndLags(t *testing.T) {
	h := New(4, testLogger())
	sub, cancel := h.Subscribe("job-slow")
	defer cancel()

	// Fill well past the buffer without reading.
	for i := 0; i < 20; i++ {
		h.Publish("job-slow", envelope.Result{JobID: "job-slow", Event: envelope.EventMessage, Seq: uint64(i)})
	}

	if !sub.Lagged() {
		t.Fatal("expected subscription to be marked lagged")
	}

	// The buffer holds the newest chunks, oldest were dropped.
	first := <-sub.Ch()
	if first.Seq < 16 {
		t.Errorf("expected drop-oldest to keep recent chunks, got seq %d", first.Seq)
	}
}

func TestFinalChunkEmitsLagNoticeAndCloses(t *testing.T) {
	h := New(4, testLogger())
	sub, _ := h.Subscribe("job-final")

	for i := 0; i < 10; i++ {
		h.Publish("job-final", envelope.Result{JobID: "job-final", Event: envelope.EventMessage, Seq: uint64(i)})
	}
	// Drain so the lag notice and final fit in the buffer.
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
	}

	h.Publish("job-final", envelope.Result{JobID: "job-final", Event: envelope.EventSucceeded, Final: true})

	var events []string
	for r := range sub.Ch() {
		events = append(events, r.Event)
	}

	if len(events) != 2 {
		t.Fatalf("expected lag notice followed by final, got %v", events)
	}
	if events[0] != envelope.EventLag {
		t.Errorf("expected first event lag, got %s", events[0])
	}
	if events[1] != envelope.EventSucceeded {
		t.Errorf("expected final event succeeded, got %s", events[1])
	}

	if got := h.SubscriberCount("job-final"); got != 0 {
		t.Errorf("expected subscription torn down after final, have %d", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := New(4, testLogger())
	sub, cancel := h.Subscribe("job-c")

	cancel()
	cancel()
	h.Cancel(sub)

	if got := h.SubscriberCount("job-c"); got != 0 {
		t.Errorf("expected 0 subscribers, have %d", got)
	}

	// Publishing after cancel must not panic or block.
	h.Publish("job-c", envelope.Result{JobID: "job-c", Event: envelope.EventMessage})
}
