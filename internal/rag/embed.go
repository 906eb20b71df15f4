package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

// Embedder turns text into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// HashEmbedder is the deterministic fallback used when no embeddings
// endpoint is configured. The same text always maps to the same
// vector, so indexing and querying stay consistent across processes
// and restarts.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a fallback embedder with the given
// dimensionality.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dim() int { return e.dim }

// Embed maps each token into a bucket via FNV-1a and accumulates
// counts, then L2-normalizes. Crude, but stable and cheap.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dim)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(token))
			vec[h.Sum32()%uint32(e.dim)] += 1
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}

// RemoteEmbedder calls an OpenAI-compatible embeddings endpoint.
type RemoteEmbedder struct {
	url    string
	apiKey string
	dim    int
	http   *http.Client
	logger *logger.Logger
}

// NewRemoteEmbedder builds an embedder against the given URL.
func NewRemoteEmbedder(url, apiKey string, dim int, log *logger.Logger) *RemoteEmbedder {
	return &RemoteEmbedder{
		url:    url,
		apiKey: apiKey,
		dim:    dim,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.WithComponent("embedder"),
	}
}

func (e *RemoteEmbedder) Dim() int { return e.dim }

func (e *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"input": texts})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rag: embeddings status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rag: decode embeddings: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("rag: embeddings count mismatch: asked %d, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("rag: embedding dim %d, expected %d", len(d.Embedding), e.dim)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// NewEmbedder picks the remote embedder when a URL is configured and
// falls back to hashing otherwise.
func NewEmbedder(url, apiKey string, dim int, log *logger.Logger) Embedder {
	if url != "" {
		return NewRemoteEmbedder(url, apiKey, dim, log)
	}
	log.Warn("no embeddings endpoint configured, using hash embeddings")
	return NewHashEmbedder(dim)
}
