package sim

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/worker"
)

// ControlHandler serves sim.control tasks: opening and force-closing
// simulation sessions through the task fabric rather than the HTTP
// surface. Batch training runs drive sessions this way.
type ControlHandler struct {
	Engine *Engine
}

func (h *ControlHandler) Handle(ctx context.Context, task *envelope.Task, out chan<- worker.Chunk) error {
	switch task.SubFunction {
	case "control.start":
		return h.start(ctx, task, out)
	case "control.close":
		return h.close(ctx, task, out)
	default:
		return fmt.Errorf("unknown sub_function %q", task.SubFunction)
	}
}

func (h *ControlHandler) start(ctx context.Context, task *envelope.Task, out chan<- worker.Chunk) error {
	var p *session.Persona
	if raw, ok := task.Params["persona"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("persona param: %w", err)
		}
		var parsed session.Persona
		if err := json.Unmarshal(encoded, &parsed); err != nil {
			return fmt.Errorf("persona param: %w", err)
		}
		p = &parsed
	}

	scenario, _ := task.Params["scenario"].(string)

	started, err := h.Engine.Start(ctx, task.UserID, task.SessionID, p, scenario)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"session_id": started.State.ID,
		"persona":    started.State.Persona,
		"scenario":   started.State.Scenario,
	})
	if err != nil {
		return err
	}
	out <- worker.Chunk{Event: envelope.EventGreeting, Data: started.Greeting, Payload: payload}
	return nil
}

func (h *ControlHandler) close(ctx context.Context, task *envelope.Task, out chan<- worker.Chunk) error {
	if task.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	result, err := h.Engine.Close(ctx, task.SessionID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"score":    result.Score,
		"feedback": result.Feedback,
	})
	if err != nil {
		return err
	}
	out <- worker.Chunk{Event: envelope.EventEnd, Data: result.Feedback, Payload: payload}
	return nil
}
