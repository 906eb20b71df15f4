package sim

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/session"
)

// ChatPublisher is the fanout slice of the broker adapter the
// responder publishes through.
type ChatPublisher interface {
	PublishChatResponse(ctx context.Context, payload interface{}) error
}

// ChatConsumer registers the durable chat queue consumer.
type ChatConsumer interface {
	Consume(queue string, handler func(amqp.Delivery)) error
}

// Responder consumes seller turns from the chat queue, drives the
// engine and fans the customer's reply out to every stream subscriber.
type Responder struct {
	engine *Engine
	pub    ChatPublisher
	docs   *docstore.Store
	logger *logger.Logger
}

// NewResponder wires the responder. docs may be nil; thread logging is
// then skipped.
func NewResponder(engine *Engine, pub ChatPublisher, docs *docstore.Store, log *logger.Logger) *Responder {
	return &Responder{
		engine: engine,
		pub:    pub,
		docs:   docs,
		logger: log.WithComponent("sim.responder"),
	}
}

// Attach starts consuming the chat queue.
func (r *Responder) Attach(c ChatConsumer, queue string) error {
	return c.Consume(queue, r.handleDelivery)
}

// handleDelivery processes one seller turn. Malformed payloads are
// logged and acked; a turn that loses the phase race produces a
// non-final error event rather than a redelivery loop. Error events
// never tear the stream down; only the end event is final.
func (r *Responder) handleDelivery(d amqp.Delivery) {
	ctx := context.Background()

	var msg envelope.ChatMessage
	if err := decodeChatMessage(d.Body, &msg); err != nil {
		r.logger.Warn("dropping malformed chat message", "error", err)
		_ = d.Ack(false)
		return
	}

	ctx = logger.WithSessionID(ctx, msg.SessionID)
	log := r.logger.WithContext(ctx)

	// A redelivered turn that finds the session still in generating
	// means the previous worker died mid-turn. Reset the phase and
	// report the interruption instead of re-running the turn; the
	// trainee resends.
	if d.Redelivered {
		reset, err := r.engine.ResumeStale(ctx, msg.SessionID)
		if err != nil {
			log.Warn("stale session recovery failed", "error", err)
		} else if reset {
			log.Info("reset session interrupted by a worker crash")
			r.publish(ctx, envelope.Result{
				SessionID: msg.SessionID,
				Event:     envelope.EventFailed,
				Seq:       r.engine.CurrentSeq(ctx, msg.SessionID),
				Error:     "resumed",
				TS:        time.Now().UTC(),
			})
			_ = d.Ack(false)
			return
		}
	}

	emit := func(seq uint64, delta string) error {
		return r.pub.PublishChatResponse(ctx, envelope.Result{
			SessionID: msg.SessionID,
			Event:     envelope.EventMessage,
			Seq:       seq,
			Chunk:     delta,
			TS:        time.Now().UTC(),
		})
	}

	result, err := r.engine.Chat(ctx, msg.SessionID, msg.SellerMsg, emit)
	if err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			log.Info("turn rejected, generation in progress")
		case errors.Is(err, ErrClosed), errors.Is(err, session.ErrNotFound):
			log.Info("turn rejected", "reason", err)
		default:
			log.LogError(ctx, err, "chat turn failed")
		}
		r.publish(ctx, envelope.Result{
			SessionID: msg.SessionID,
			Event:     envelope.EventError,
			Seq:       r.engine.CurrentSeq(ctx, msg.SessionID),
			Error:     err.Error(),
			TS:        time.Now().UTC(),
		})
		_ = d.Ack(false)
		return
	}

	r.publish(ctx, envelope.Result{
		SessionID: msg.SessionID,
		Event:     envelope.EventMessageEnd,
		Seq:       result.NextSeq,
		Chunk:     result.Reply,
		TS:        time.Now().UTC(),
	})

	if result.Closed {
		r.publish(ctx, envelope.Result{
			SessionID: msg.SessionID,
			Event:     envelope.EventEnd,
			Seq:       result.NextSeq + 1,
			Final:     true,
			TS:        time.Now().UTC(),
		})
	}

	r.logThread(ctx, msg, result.Reply)
	_ = d.Ack(false)
}

func (r *Responder) publish(ctx context.Context, result envelope.Result) {
	if err := r.pub.PublishChatResponse(ctx, result); err != nil {
		r.logger.WithContext(ctx).Error("chat response publish failed",
			"event", result.Event, "error", err)
	}
}

func (r *Responder) logThread(ctx context.Context, msg envelope.ChatMessage, reply string) {
	if r.docs == nil || msg.ThreadID == "" {
		return
	}
	log := r.logger.WithContext(ctx)

	entries := []docstore.LogEntry{
		{ThreadID: msg.ThreadID, Role: session.RoleSeller, Content: msg.SellerMsg},
		{ThreadID: msg.ThreadID, Role: session.RoleAI, Content: reply},
	}
	for _, entry := range entries {
		if err := r.docs.AppendLog(ctx, entry); err != nil {
			log.Warn("thread log append failed", "error", err)
		}
	}
	if err := r.docs.TouchThread(ctx, msg.ThreadID); err != nil {
		log.Warn("thread touch failed", "error", err)
	}
}

func decodeChatMessage(body []byte, msg *envelope.ChatMessage) error {
	if err := json.Unmarshal(body, msg); err != nil {
		return err
	}
	if msg.SessionID == "" {
		return errors.New("missing session_id")
	}
	if msg.SellerMsg == "" {
		return errors.New("missing seller_msg")
	}
	return nil
}
