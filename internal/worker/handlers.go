package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/rag"
)

// AssistHandler answers questions and summarizes documents grounded in
// an uploaded vectorstore.
type AssistHandler struct {
	RAG *rag.Pipeline
	LLM llm.Client
}

func (h *AssistHandler) Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error {
	switch task.SubFunction {
	case "qa":
		if task.VectorstoreID == "" || task.Prompt == "" {
			return fmt.Errorf("vectorstore_id and prompt are required")
		}
		answer, err := h.RAG.Query(ctx, task.VectorstoreID, task.Prompt, rag.DefaultTopK)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			return err
		}
		out <- Chunk{Event: envelope.EventMessage, Data: answer.Answer, Payload: payload}
		return nil

	case "summarize":
		if task.Prompt == "" {
			return fmt.Errorf("prompt is required")
		}
		prompt := "Summarize the following text concisely, keeping the key facts:\n\n" + task.Prompt
		return streamCompletion(ctx, h.LLM, prompt, out)

	default:
		return fmt.Errorf("unknown sub_function %q", task.SubFunction)
	}
}

// GalaxyHandler serves course recommendation and QA over the indexed
// learning catalog.
type GalaxyHandler struct {
	RAG *rag.Pipeline
	LLM llm.Client
}

func (h *GalaxyHandler) Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error {
	if task.VectorstoreID == "" || task.Prompt == "" {
		return fmt.Errorf("vectorstore_id and prompt are required")
	}

	switch task.SubFunction {
	case "qa":
		answer, err := h.RAG.Query(ctx, task.VectorstoreID, task.Prompt, rag.DefaultTopK)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			return err
		}
		out <- Chunk{Event: envelope.EventMessage, Data: answer.Answer, Payload: payload}
		return nil

	case "recommend":
		evidence, err := h.RAG.Retrieve(ctx, task.VectorstoreID, task.Prompt, 5)
		if err != nil {
			return err
		}
		if len(evidence) == 0 {
			out <- Chunk{Event: envelope.EventMessage, Data: rag.NoEvidenceAnswer}
			return nil
		}

		var catalog strings.Builder
		for i, ev := range evidence {
			fmt.Fprintf(&catalog, "%d. %s\n", i+1, ev.Text)
		}
		prompt := fmt.Sprintf(`You are a learning advisor. Based on the catalog entries below, recommend the most suitable courses for the learner's request. Explain each recommendation briefly.

Catalog:
%s
Learner request:
%s`, catalog.String(), task.Prompt)
		return streamCompletion(ctx, h.LLM, prompt, out)

	default:
		return fmt.Errorf("unknown sub_function %q", task.SubFunction)
	}
}

// CoachHandler answers coaching questions and drafts training plans.
type CoachHandler struct {
	LLM llm.Client
}

func (h *CoachHandler) Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error {
	if task.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	var prompt string
	switch task.SubFunction {
	case "qa":
		prompt = "You are an experienced sales coach. Answer the trainee's question with concrete, actionable advice.\n\nQuestion:\n" + task.Prompt
	case "plan":
		prompt = "You are an experienced sales coach. Draft a focused practice plan for the trainee based on the goal below. Keep it to a handful of numbered steps with a clear outcome each.\n\nGoal:\n" + task.Prompt
	default:
		return fmt.Errorf("unknown sub_function %q", task.SubFunction)
	}
	return streamCompletion(ctx, h.LLM, prompt, out)
}

// TranslateHandler translates between Korean and English.
type TranslateHandler struct {
	LLM llm.Client
}

func (h *TranslateHandler) Handle(ctx context.Context, task *envelope.Task, out chan<- Chunk) error {
	if task.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	var direction string
	switch task.SubFunction {
	case "ko-en":
		direction = "from Korean to English"
	case "en-ko":
		direction = "from English to Korean"
	default:
		return fmt.Errorf("unknown sub_function %q", task.SubFunction)
	}

	prompt := fmt.Sprintf("Translate the following text %s. Output only the translation, no commentary.\n\n%s", direction, task.Prompt)
	return streamCompletion(ctx, h.LLM, prompt, out)
}

// streamCompletion relays model deltas as message chunks.
func streamCompletion(ctx context.Context, client llm.Client, prompt string, out chan<- Chunk) error {
	_, err := client.CompleteStream(ctx, []llm.Message{{Role: "user", Content: prompt}}, func(delta string) error {
		select {
		case out <- Chunk{Event: envelope.EventMessage, Data: delta}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return err
}
