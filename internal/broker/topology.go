package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names are part of the wire contract shared with
// every worker process; do not rename without a coordinated rollout.
const (
	TasksExchange         = "ai.tasks"
	ResultsExchange       = "ai.results"
	DLXExchange           = "ai.dlq"
	ChatMessagesExchange  = "chat.messages"
	ChatResponsesExchange = "chat.responses"

	ChatQueue       = "q.chat.messages"
	ChatRoutingKey  = "request"
	DeadLetterQueue = "q.dlq"
)

// QueueBindings maps each durable function queue to its routing-key
// patterns on the tasks exchange.
var QueueBindings = map[string][]string{
	"q.assist":      {"assist.*"},
	"q.galaxy":      {"galaxy.*"},
	"q.coach":       {"coach.*"},
	"q.translate":   {"translate.*"},
	"q.sim.control": {"sim.*"},
}

// declareTopology declares all exchanges, queues and bindings on the
// given channel. Declarations are idempotent; every process runs this
// at startup and after reconnect.
func declareTopology(ch *amqp.Channel, bindings map[string][]string) error {
	if err := ch.ExchangeDeclare(TasksExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ResultsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ChatMessagesExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ChatResponsesExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	dlxArgs := amqp.Table{"x-dead-letter-exchange": DLXExchange}
	for queue, patterns := range bindings {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, dlxArgs); err != nil {
			return err
		}
		for _, pattern := range patterns {
			if err := ch.QueueBind(queue, pattern, TasksExchange, false, nil); err != nil {
				return err
			}
		}
	}

	if _, err := ch.QueueDeclare(ChatQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(ChatQueue, ChatRoutingKey, ChatMessagesExchange, false, nil); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	return nil
}
