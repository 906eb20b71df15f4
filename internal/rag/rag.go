package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

// NoEvidenceAnswer is returned without consulting the model when
// retrieval comes back empty.
const NoEvidenceAnswer = "I couldn't find any relevant information in the provided documents."

// DefaultTopK is the passage count used when the caller does not ask
// for a specific number.
const DefaultTopK = 3

// Evidence is one retrieved passage returned alongside the answer.
type Evidence struct {
	Score    float32 `json:"score"`
	Text     string  `json:"text"`
	Filename string  `json:"filename,omitempty"`
	FileID   string  `json:"file_id,omitempty"`
}

// Answer is the result of one retrieval-augmented query.
type Answer struct {
	Answer   string     `json:"answer"`
	Evidence []Evidence `json:"evidence"`
}

// Pipeline wires the embedder, the vector index and the language model
// into a query path.
type Pipeline struct {
	embedder Embedder
	vectors  *vector.Client
	llm      llm.Client
	logger   *logger.Logger
}

// NewPipeline builds the query pipeline.
func NewPipeline(embedder Embedder, vectors *vector.Client, model llm.Client, log *logger.Logger) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		vectors:  vectors,
		llm:      model,
		logger:   log.WithComponent("rag"),
	}
}

// Retrieve embeds the query and returns the top passages from the
// vectorstore's collection.
func (p *Pipeline) Retrieve(ctx context.Context, vectorstoreID, query string, topK int) ([]Evidence, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vecs, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	collection := vector.CollectionForVectorstore(vectorstoreID)
	hits, err := p.vectors.Search(ctx, collection, vector.SearchParams{
		Vector: vecs[0],
		Limit:  topK,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	evidence := make([]Evidence, 0, len(hits))
	for _, h := range hits {
		ev := Evidence{Score: h.Score}
		if text, ok := h.Payload["text"].(string); ok {
			ev.Text = text
		} else if text, ok := h.Payload["chunk_text"].(string); ok {
			ev.Text = text
		}
		if name, ok := h.Payload["filename"].(string); ok {
			ev.Filename = name
		}
		if id, ok := h.Payload["file_id"].(string); ok {
			ev.FileID = id
		}
		if ev.Text == "" {
			continue
		}
		evidence = append(evidence, ev)
	}
	return evidence, nil
}

// Query answers a question against a vectorstore. When retrieval
// returns nothing the canned answer goes back directly; the model is
// never called with an empty context.
func (p *Pipeline) Query(ctx context.Context, vectorstoreID, question string, topK int) (*Answer, error) {
	evidence, err := p.Retrieve(ctx, vectorstoreID, question, topK)
	if err != nil {
		return nil, err
	}

	if len(evidence) == 0 {
		return &Answer{Answer: NoEvidenceAnswer, Evidence: []Evidence{}}, nil
	}

	answer, err := p.llm.Complete(ctx, []llm.Message{
		{Role: "user", Content: buildPrompt(question, evidence)},
	})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &Answer{Answer: strings.TrimSpace(answer), Evidence: evidence}, nil
}

func buildPrompt(question string, evidence []Evidence) string {
	var context strings.Builder
	for i, ev := range evidence {
		if i > 0 {
			context.WriteString("\n\n")
		}
		fmt.Fprintf(&context, "Source: %s\nContent: %s", ev.Filename, ev.Text)
	}

	return fmt.Sprintf(`Based on the following context, please provide a comprehensive answer to the user's question.
If the context does not contain the answer, say that you cannot answer based on the provided information.

Context:
---
%s
---

Question:
%s

Answer:
`, context.String(), question)
}
