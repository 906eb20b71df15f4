package router

import (
	"log/slog"
	"testing"
	"time"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/hub"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func recv(t *testing.T, sub *hub.Subscription) envelope.Result {
	t.Helper()
	select {
	case r, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	return envelope.Result{}
}

func TestRouteByJobID(t *testing.T) {
	h := hub.New(8, testLogger())
	r := New(nil, h, testLogger())

	sub, cancel := h.Subscribe("job-1")
	defer cancel()

	r.Route(envelope.Result{JobID: "job-1", Event: envelope.EventMessage, Chunk: "hi"})

	got := recv(t, sub)
	if got.JobID != "job-1" || got.Chunk != "hi" {
		t.Fatalf("result = %+v", got)
	}
}

func TestRouteFansOutToBothFilters(t *testing.T) {
	h := hub.New(8, testLogger())
	r := New(nil, h, testLogger())

	bySession, cancelSession := h.Subscribe("sess-1")
	defer cancelSession()
	byJob, cancelJob := h.Subscribe("job-1")
	defer cancelJob()

	r.Route(envelope.Result{JobID: "job-1", SessionID: "sess-1", Event: envelope.EventMessage})

	if got := recv(t, bySession); got.SessionID != "sess-1" {
		t.Fatalf("session result = %+v", got)
	}
	if got := recv(t, byJob); got.JobID != "job-1" {
		t.Fatalf("job result = %+v", got)
	}
}

func TestRouteIgnoresUnsubscribedFilters(t *testing.T) {
	h := hub.New(8, testLogger())
	r := New(nil, h, testLogger())

	sub, cancel := h.Subscribe("sess-1")
	defer cancel()

	r.Route(envelope.Result{SessionID: "other", Event: envelope.EventMessage})
	r.Route(envelope.Result{SessionID: "sess-1", Event: envelope.EventMessage, Chunk: "mine"})

	if got := recv(t, sub); got.Chunk != "mine" {
		t.Fatalf("result = %+v", got)
	}
}
