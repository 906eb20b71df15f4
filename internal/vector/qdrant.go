package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

// MemoryCollection holds long-term conversation memories shared across
// simulation sessions.
const MemoryCollection = "sales-persona-memory"

// CollectionForVectorstore maps a vectorstore id to its Qdrant
// collection name.
func CollectionForVectorstore(id string) string {
	return "vs_" + id
}

// Point is one vector with its payload, addressed by a stable id.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchParams controls one similarity search.
type SearchParams struct {
	Vector         []float32
	Limit          int
	ScoreThreshold float32
	// Must filters on exact payload field matches, e.g. user_id.
	Must map[string]string
}

// Client talks to Qdrant over its REST API.
type Client struct {
	baseURL string
	dim     int
	http    *http.Client
	logger  *logger.Logger
}

// NewClient builds a Qdrant client for the given host and port. dim is
// the vector dimensionality every collection is created with.
func NewClient(host string, port, dim int, log *logger.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		dim:     dim,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("vector"),
	}
}

// Dim returns the configured vector dimensionality.
func (c *Client) Dim() int { return c.dim }

// EnsureCollection creates the collection if it does not exist. Cosine
// distance; existing collections are left untouched.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	status, _, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.dim,
			"distance": "Cosine",
		},
	}
	status, raw, err := c.do(ctx, http.MethodPut, "/collections/"+name, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("vector: create collection %s: status %d: %s", name, status, raw)
	}
	c.logger.Info("created collection", "collection", name, "dim", c.dim)
	return nil
}

// Upsert writes points into the collection, replacing any with the
// same id.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return fmt.Errorf("vector: point %s has dim %d, collection expects %d", p.ID, len(p.Vector), c.dim)
		}
	}

	body := map[string]any{"points": points}
	status, raw, err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("vector: upsert into %s: status %d: %s", collection, status, raw)
	}
	return nil
}

// Search runs a similarity query and returns hits above the score
// threshold, best first.
func (c *Client) Search(ctx context.Context, collection string, params SearchParams) ([]Hit, error) {
	if len(params.Vector) != c.dim {
		return nil, fmt.Errorf("vector: query has dim %d, collection expects %d", len(params.Vector), c.dim)
	}
	if params.Limit <= 0 {
		params.Limit = 3
	}

	body := map[string]any{
		"vector":       params.Vector,
		"limit":        params.Limit,
		"with_payload": true,
	}
	if params.ScoreThreshold > 0 {
		body["score_threshold"] = params.ScoreThreshold
	}
	if len(params.Must) > 0 {
		must := make([]map[string]any, 0, len(params.Must))
		for field, value := range params.Must {
			must = append(must, map[string]any{
				"key":   field,
				"match": map[string]any{"value": value},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("vector: search %s: status %d: %s", collection, status, raw)
	}

	var parsed struct {
		Result []struct {
			ID      json.RawMessage `json:"id"`
			Score   float32         `json:"score"`
			Payload map[string]any  `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("vector: decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		hits = append(hits, Hit{
			ID:      strings.Trim(string(r.ID), `"`),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// DeleteByPayload removes every point whose payload field matches the
// given value. Used to evict all chunks of a deleted file.
func (c *Client) DeleteByPayload(ctx context.Context, collection, field, value string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": field, "match": map[string]any{"value": value}},
			},
		},
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("vector: delete from %s: status %d: %s", collection, status, raw)
	}
	return nil
}

// DropCollection removes the whole collection. Missing collections are
// not an error.
func (c *Client) DropCollection(ctx context.Context, collection string) error {
	status, raw, err := c.do(ctx, http.MethodDelete, "/collections/"+collection, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("vector: drop collection %s: status %d: %s", collection, status, raw)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("vector: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("vector: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("vector: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("vector: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
