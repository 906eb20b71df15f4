package rag

import "strings"

const (
	// ChunkSize is the target chunk length in runes.
	ChunkSize = 600
	// ChunkOverlap is how many runes consecutive chunks share.
	ChunkOverlap = 120
)

// ChunkText splits text into overlapping rune windows. Whitespace-only
// chunks are dropped.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = ChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
