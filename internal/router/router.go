// Package router bridges the broker's result streams into the
// in-process hub. Each API node runs one router; results fan out to
// every node and the hub filters per subscriber.
package router

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/hub"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

// Source opens ephemeral subscriptions on the broker; satisfied by the
// broker adapter.
type Source interface {
	ConsumeEphemeral(exchange, pattern string) (<-chan amqp.Delivery, func(), error)
}

// Router copies result envelopes from the broker into the hub.
type Router struct {
	source Source
	hub    *hub.Hub
	logger *logger.Logger

	cancels []func()
}

// New builds a router.
func New(source Source, h *hub.Hub, log *logger.Logger) *Router {
	return &Router{
		source: source,
		hub:    h,
		logger: log.WithComponent("router"),
	}
}

// Start subscribes to the results topic exchange and the chat fanout
// and pumps both into the hub until ctx is cancelled or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	results, cancelResults, err := r.source.ConsumeEphemeral(broker.ResultsExchange, "#")
	if err != nil {
		return err
	}
	r.cancels = append(r.cancels, cancelResults)

	chat, cancelChat, err := r.source.ConsumeEphemeral(broker.ChatResponsesExchange, "")
	if err != nil {
		cancelResults()
		return err
	}
	r.cancels = append(r.cancels, cancelChat)

	go r.pump(ctx, results)
	go r.pump(ctx, chat)
	return nil
}

// Stop tears the ephemeral subscriptions down.
func (r *Router) Stop() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

// pump forwards deliveries until the channel closes. Envelopes that do
// not decode are logged and dropped; a bad producer must not take the
// stream surface down.
func (r *Router) pump(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			result, err := envelope.DecodeResult(d.Body)
			if err != nil {
				r.logger.Warn("dropping malformed result", "error", err)
				continue
			}
			r.Route(*result)
		}
	}
}

// Route publishes one result to the hub under both of its filters.
func (r *Router) Route(result envelope.Result) {
	if result.JobID != "" {
		r.hub.Publish(result.JobID, result)
	}
	if result.SessionID != "" {
		r.hub.Publish(result.SessionID, result)
	}
}
