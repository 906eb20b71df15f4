// Package indexer turns uploaded files into vector index points. CSV
// files are indexed row by row with typed payloads; text and markdown
// files are chunked with overlap.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/objstore"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

const (
	// MaxPoints caps how many points one file may contribute.
	MaxPoints = 20000
	// MaxPayloadText caps the text stored in a point payload.
	MaxPayloadText = 16000
	// EmbedBatch is how many texts go to the embedder per call.
	EmbedBatch = 128
)

// Indexer drives file indexing for one tenant.
type Indexer struct {
	docs     *docstore.Store
	objects  *objstore.Store
	embedder rag.Embedder
	vectors  *vector.Client
	logger   *logger.Logger
}

// New wires the indexer.
func New(docs *docstore.Store, objects *objstore.Store, embedder rag.Embedder, vectors *vector.Client, log *logger.Logger) *Indexer {
	return &Indexer{
		docs:     docs,
		objects:  objects,
		embedder: embedder,
		vectors:  vectors,
		logger:   log.WithComponent("indexer"),
	}
}

// IndexVectorstore indexes every supported file attached to the
// vectorstore and returns the total point count. Files that fail are
// skipped; one bad upload must not block the rest.
func (ix *Indexer) IndexVectorstore(ctx context.Context, vectorstoreID string) (int, error) {
	vs, err := ix.docs.GetVectorstore(ctx, vectorstoreID)
	if err != nil {
		return 0, err
	}

	collection := vector.CollectionForVectorstore(vectorstoreID)
	if err := ix.vectors.EnsureCollection(ctx, collection); err != nil {
		return 0, err
	}

	total := 0
	for _, meta := range vs.Files {
		n, err := ix.indexFile(ctx, collection, meta)
		if err != nil {
			ix.logger.Warn("file indexing failed", "filename", meta.Filename, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (ix *Indexer) indexFile(ctx context.Context, collection string, meta docstore.FileMeta) (int, error) {
	name := strings.ToLower(meta.Filename)
	ctype := strings.ToLower(meta.ContentType)

	switch {
	case strings.HasSuffix(name, ".csv") || strings.Contains(ctype, "text/csv"):
		return ix.indexCSV(ctx, collection, meta)
	case strings.HasSuffix(name, ".md") || strings.Contains(ctype, "text/markdown"),
		strings.HasSuffix(name, ".txt") || strings.Contains(ctype, "text/plain"):
		return ix.indexPlainText(ctx, collection, meta)
	default:
		return 0, nil
	}
}

func (ix *Indexer) indexCSV(ctx context.Context, collection string, meta docstore.FileMeta) (int, error) {
	data, err := ix.objects.Get(ctx, meta.ObjectName)
	if err != nil {
		return 0, err
	}

	rows, err := ParseCSV(data)
	if err != nil {
		return 0, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	headers := make([]string, 0, len(rows[0]))
	for h := range rows[0] {
		headers = append(headers, h)
	}
	kind := DetectCSVKind(headers)

	texts := make([]string, 0, len(rows))
	payloads := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		text := RowText(kind, row)
		if strings.TrimSpace(text) == "" {
			text = fmt.Sprint(row)
		}
		payload := RowPayload(kind, row)

		clean := strings.TrimSpace(text)
		stored := truncateRunes(clean, MaxPayloadText)
		payload["text"] = stored
		payload["text_truncated"] = len(stored) < len(clean)
		payload["text_len"] = utf8.RuneCountInString(clean)
		payload["file_hash"] = meta.FileHash
		payload["filename"] = meta.Filename
		payload["row_index"] = i

		texts = append(texts, text)
		payloads = append(payloads, payload)
		if len(texts) >= MaxPoints {
			break
		}
	}

	return ix.upsertBatched(ctx, collection, meta.FileHash, texts, payloads)
}

// truncateRunes cuts s to at most n runes, never splitting a UTF-8
// sequence. Korean payload text is multi-byte throughout; a byte slice
// here would corrupt the last character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (ix *Indexer) indexPlainText(ctx context.Context, collection string, meta docstore.FileMeta) (int, error) {
	data, err := ix.objects.Get(ctx, meta.ObjectName)
	if err != nil {
		return 0, err
	}

	chunks := rag.ChunkText(string(data), rag.ChunkSize, rag.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}
	if len(chunks) > MaxPoints {
		chunks = chunks[:MaxPoints]
	}

	texts := make([]string, len(chunks))
	payloads := make([]map[string]any, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk
		payloads[i] = map[string]any{
			"file_hash":   meta.FileHash,
			"filename":    meta.Filename,
			"chunk_index": i,
			"text":        chunk,
		}
	}

	return ix.upsertBatched(ctx, collection, meta.FileHash, texts, payloads)
}

// EvictFileHash removes every point for a file hash from a collection.
// Used when an upload moves a file to a different vectorstore.
func (ix *Indexer) EvictFileHash(ctx context.Context, collection, fileHash string) error {
	return ix.vectors.DeleteByPayload(ctx, collection, "file_hash", fileHash)
}

// upsertBatched embeds texts in batches and writes the points. Points
// for the same file hash are replaced first so re-indexing never
// duplicates.
func (ix *Indexer) upsertBatched(ctx context.Context, collection, fileHash string, texts []string, payloads []map[string]any) (int, error) {
	if err := ix.vectors.DeleteByPayload(ctx, collection, "file_hash", fileHash); err != nil {
		ix.logger.Warn("stale point cleanup failed", "collection", collection, "error", err)
	}

	total := 0
	for start := 0; start < len(texts); start += EmbedBatch {
		end := start + EmbedBatch
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := ix.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return total, fmt.Errorf("embed batch: %w", err)
		}

		points := make([]vector.Point, len(vecs))
		for i, vec := range vecs {
			points[i] = vector.Point{
				ID:      uuid.NewString(),
				Vector:  vec,
				Payload: payloads[start+i],
			}
		}
		if err := ix.vectors.Upsert(ctx, collection, points); err != nil {
			return total, fmt.Errorf("upsert batch: %w", err)
		}
		total += len(points)
	}
	return total, nil
}
