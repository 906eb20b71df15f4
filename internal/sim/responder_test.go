package sim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/persona"
	"github.com/lxplabs/ai-fabric/internal/session"
)

// scriptedModel plays back fixed deltas and a fixed reply.
type scriptedModel struct {
	deltas []string
	reply  string
	err    error
}

func (m *scriptedModel) Complete(context.Context, []llm.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *scriptedModel) CompleteStream(_ context.Context, _ []llm.Message, emit func(string) error) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	for _, d := range m.deltas {
		if err := emit(d); err != nil {
			return "", err
		}
	}
	return m.reply, nil
}

type captureChatPublisher struct {
	mu      sync.Mutex
	results []envelope.Result
}

func (p *captureChatPublisher) PublishChatResponse(_ context.Context, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, payload.(envelope.Result))
	return nil
}

func (p *captureChatPublisher) all() []envelope.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]envelope.Result(nil), p.results...)
}

func newChatFixture(t *testing.T, model llm.Client) (*Responder, *session.Store, *captureChatPublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	store, err := session.NewStore("redis://"+mr.Addr(), time.Hour, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(store, model, nil, nil, nil, log)
	pub := &captureChatPublisher{}
	return NewResponder(engine, pub, nil, log), store, pub
}

func seedSession(t *testing.T, store *session.Store, phase session.Phase, streamSeq uint64) *session.State {
	t.Helper()
	state := &session.State{
		ID:        "sess-1",
		UserID:    "u-1",
		Persona:   persona.Random(),
		Scenario:  persona.DefaultScenario,
		Phase:     phase,
		History:   []session.Turn{{Role: session.RoleAI, Content: "어서오세요, 어떤 제품 찾으세요?"}},
		StreamSeq: streamSeq,
	}
	state.Touch()
	state.CreatedAt = state.LastActivity
	if err := store.Put(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	return state
}

func turnDelivery(t *testing.T, sessionID, sellerMsg string, redelivered bool) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(envelope.ChatMessage{
		SessionID: sessionID,
		SellerMsg: sellerMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Body: body, Redelivered: redelivered}
}

// A session left in generating by a crashed worker must be reset by
// the redelivered turn and the interruption reported, instead of the
// session rejecting every turn with ErrBusy forever.
func TestRedeliveredTurnRecoversStuckSession(t *testing.T) {
	r, store, pub := newChatFixture(t, &scriptedModel{reply: "네"})
	seedSession(t, store, session.PhaseGenerating, 5)

	r.handleDelivery(turnDelivery(t, "sess-1", "할인 가능한가요?", true))

	state, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != session.PhaseAwaitingTurn {
		t.Fatalf("phase = %q, want %q", state.Phase, session.PhaseAwaitingTurn)
	}

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1: %+v", len(results), results)
	}
	got := results[0]
	if got.Event != envelope.EventFailed {
		t.Fatalf("event = %q, want %q", got.Event, envelope.EventFailed)
	}
	if got.Error != "resumed" {
		t.Fatalf("error = %q, want %q", got.Error, "resumed")
	}
	if got.Final {
		t.Fatal("recovery notice must not tear the stream down")
	}
	if got.Seq != 5 {
		t.Fatalf("seq = %d, want 5", got.Seq)
	}
}

// A redelivery that finds the session idle means the crash happened
// before the claim; the turn runs normally.
func TestRedeliveredTurnOnIdleSessionRuns(t *testing.T) {
	model := &scriptedModel{deltas: []string{"음, ", "생각해볼게요"}, reply: "음, 생각해볼게요"}
	r, store, pub := newChatFixture(t, model)
	seedSession(t, store, session.PhaseAwaitingTurn, 0)

	r.handleDelivery(turnDelivery(t, "sess-1", "이 모델 어떠세요?", true))

	state, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != session.PhaseAwaitingTurn {
		t.Fatalf("phase = %q", state.Phase)
	}
	if len(state.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(state.History))
	}

	results := pub.all()
	if len(results) != 3 {
		t.Fatalf("published %d results, want 3", len(results))
	}
	if last := results[len(results)-1]; last.Event != envelope.EventMessageEnd || last.Chunk != model.reply {
		t.Fatalf("last result = %+v", last)
	}
}

// Losing the phase race reports a transient error; the stream must
// survive it so the winning turn's chunks still reach the subscriber.
func TestBusyTurnErrorIsNotFinal(t *testing.T) {
	r, store, pub := newChatFixture(t, &scriptedModel{reply: "네"})
	seedSession(t, store, session.PhaseGenerating, 2)

	r.handleDelivery(turnDelivery(t, "sess-1", "성능은 어때요?", false))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1", len(results))
	}
	got := results[0]
	if got.Event != envelope.EventError {
		t.Fatalf("event = %q, want %q", got.Event, envelope.EventError)
	}
	if got.Final {
		t.Fatal("busy error must not be final")
	}

	state, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != session.PhaseGenerating {
		t.Fatalf("phase = %q, the losing turn must not release the claim", state.Phase)
	}
}

// Sequence numbers on the session stream continue across turns: the
// counter is persisted with the state, not reset per delivery.
func TestStreamSeqContinuesAcrossTurns(t *testing.T) {
	model := &scriptedModel{deltas: []string{"좋은 ", "선택이에요"}, reply: "좋은 선택이에요"}
	r, store, pub := newChatFixture(t, model)
	seedSession(t, store, session.PhaseAwaitingTurn, 0)

	r.handleDelivery(turnDelivery(t, "sess-1", "세탁기 보러 왔어요", false))
	r.handleDelivery(turnDelivery(t, "sess-1", "용량은 어느 정도가 좋을까요?", false))

	results := pub.all()
	if len(results) != 6 {
		t.Fatalf("published %d results, want 6", len(results))
	}
	for i, got := range results {
		if got.Seq != uint64(i) {
			t.Fatalf("result %d has seq %d", i, got.Seq)
		}
	}
	if results[2].Event != envelope.EventMessageEnd || results[5].Event != envelope.EventMessageEnd {
		t.Fatalf("unexpected event layout: %+v", results)
	}

	state, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.StreamSeq != 6 {
		t.Fatalf("persisted stream seq = %d, want 6", state.StreamSeq)
	}
}

// A subscriber that dies mid-stream must not leave the session stuck
// in generating.
func TestEmitFailureReleasesClaim(t *testing.T) {
	model := &scriptedModel{deltas: []string{"네, "}, reply: "네, 알겠습니다"}
	r, store, _ := newChatFixture(t, model)
	seedSession(t, store, session.PhaseAwaitingTurn, 0)

	sentinel := errors.New("subscriber gone")
	_, err := r.engine.Chat(context.Background(), "sess-1", "안녕하세요", func(uint64, string) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}

	state, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != session.PhaseAwaitingTurn {
		t.Fatalf("phase = %q, claim was not released", state.Phase)
	}
}
