package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

const (
	// MaxRecentMessages is the capacity of the short-term buffer.
	MaxRecentMessages = 10
	// RecentContextWindow is how many buffered messages go into the
	// assembled context.
	RecentContextWindow = 5
	// SummaryCompressLimit triggers LLM compression once the running
	// summary grows past it.
	SummaryCompressLimit = 500
	// RecallTopK is how many long-term memories are recalled per turn.
	RecallTopK = 3
	// RecallThreshold is the minimum cosine similarity for a recalled
	// memory to be included.
	RecallThreshold = 0.7
)

// salienceKeywords gates which messages are worth persisting to the
// vector store. Korean sales-domain terms; matched as substrings.
var salienceKeywords = []string{
	"예산", "가격", "할인", "결정", "구매", "고민", "선호", "경험", "문제", "요구사항", "조건", "제품명", "모델",
	"갤럭시", "비스포크", "QLED", "스마트싱스", "워치", "북", "불만", "만족", "추천", "비교", "성능", "디자인",
}

const summaryCompressPrompt = `
다음 대화 요약을 더 간결하게 압축해주세요. 중요한 정보는 유지하되 200자 이내로 요약해주세요:

%s
`

// Message is one remembered conversation turn.
type Message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

// Manager layers a short-term buffer, a rolling summary and vector
// recall into one context source for the conversation engine. One
// manager serves one user across sessions; long-term memories are
// keyed by user id in the shared collection.
type Manager struct {
	userID   string
	embedder rag.Embedder
	vectors  *vector.Client
	llm      llm.Client
	logger   *logger.Logger

	recent  []Message
	summary string
}

// NewManager builds a memory manager for one user. The shared memory
// collection is created on first use if missing.
func NewManager(userID string, embedder rag.Embedder, vectors *vector.Client, model llm.Client, log *logger.Logger) *Manager {
	return &Manager{
		userID:   userID,
		embedder: embedder,
		vectors:  vectors,
		llm:      model,
		logger:   log.WithComponent("memory"),
	}
}

// Restore reloads buffered state persisted in the session record.
func (m *Manager) Restore(recent []Message, summary string) {
	m.recent = append([]Message(nil), recent...)
	m.summary = summary
}

// Recent returns a copy of the short-term buffer for persistence.
func (m *Manager) Recent() []Message {
	return append([]Message(nil), m.recent...)
}

// Summary returns the current rolling summary for persistence.
func (m *Manager) Summary() string {
	return m.summary
}

// Add records one turn. Overflow from the short-term buffer folds into
// the summary; salient messages are additionally written to the vector
// store so later sessions can recall them.
func (m *Manager) Add(ctx context.Context, role, content string) {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	m.recent = append(m.recent, msg)

	if len(m.recent) > MaxRecentMessages {
		evicted := m.recent[0]
		m.recent = m.recent[1:]
		m.foldIntoSummary(ctx, evicted)
	}

	if Salient(content) {
		m.persist(ctx, msg)
	}
}

// Salient reports whether a message carries sales-relevant facts worth
// remembering across sessions.
func Salient(text string) bool {
	for _, k := range salienceKeywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Context assembles the memory context for the next generation: recent
// turns, the rolling summary, and vector-recalled facts related to the
// current message. Sections that are empty are omitted.
func (m *Manager) Context(ctx context.Context, currentMessage string) string {
	var parts []string

	if len(m.recent) > 0 {
		window := m.recent
		if len(window) > RecentContextWindow {
			window = window[len(window)-RecentContextWindow:]
		}
		lines := make([]string, len(window))
		for i, msg := range window {
			lines[i] = msg.Role + ": " + msg.Content
		}
		parts = append(parts, "[최근 대화]\n"+strings.Join(lines, "\n"))
	}

	if m.summary != "" {
		parts = append(parts, "[이전 대화 요약]\n"+m.summary)
	}

	if recalled := m.recall(ctx, currentMessage); len(recalled) > 0 {
		parts = append(parts, "[관련 이전 정보]\n"+strings.Join(recalled, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func (m *Manager) recall(ctx context.Context, currentMessage string) []string {
	if m.vectors == nil || currentMessage == "" {
		return nil
	}

	vecs, err := m.embedder.Embed(ctx, []string{currentMessage})
	if err != nil {
		m.logger.Warn("memory recall embed failed", "error", err)
		return nil
	}

	hits, err := m.vectors.Search(ctx, vector.MemoryCollection, vector.SearchParams{
		Vector:         vecs[0],
		Limit:          RecallTopK,
		ScoreThreshold: RecallThreshold,
		Must:           map[string]string{"user_id": m.userID},
	})
	if err != nil {
		m.logger.Warn("memory recall search failed", "error", err)
		return nil
	}

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		role, _ := h.Payload["role"].(string)
		content, _ := h.Payload["content"].(string)
		if content == "" {
			continue
		}
		out = append(out, role+": "+content)
	}
	return out
}

func (m *Manager) persist(ctx context.Context, msg Message) {
	if m.vectors == nil {
		return
	}

	vecs, err := m.embedder.Embed(ctx, []string{msg.Content})
	if err != nil {
		m.logger.Warn("memory persist embed failed", "error", err)
		return
	}

	if err := m.vectors.EnsureCollection(ctx, vector.MemoryCollection); err != nil {
		m.logger.Warn("memory collection unavailable", "error", err)
		return
	}

	err = m.vectors.Upsert(ctx, vector.MemoryCollection, []vector.Point{{
		ID:     msg.ID,
		Vector: vecs[0],
		Payload: map[string]any{
			"user_id":   m.userID,
			"role":      msg.Role,
			"content":   msg.Content,
			"timestamp": msg.Timestamp.Unix(),
		},
	}})
	if err != nil {
		m.logger.Warn("memory persist failed", "error", err)
	}
}

// foldIntoSummary appends a truncated snippet of the evicted message
// to the running summary and compresses it once it grows too long.
func (m *Manager) foldIntoSummary(ctx context.Context, msg Message) {
	content := msg.Content
	if len([]rune(content)) > 100 {
		content = string([]rune(content)[:100])
	}
	snippet := msg.Role + ": " + content + "..."
	if m.summary == "" {
		m.summary = snippet
	} else {
		m.summary = m.summary + " | " + snippet
	}

	if len([]rune(m.summary)) > SummaryCompressLimit {
		m.compressSummary(ctx)
	}
}

func (m *Manager) compressSummary(ctx context.Context) {
	if m.llm == nil {
		return
	}
	compressed, err := m.llm.Complete(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(summaryCompressPrompt, m.summary)},
	})
	if err != nil {
		m.logger.Warn("summary compression failed", "error", err)
		return
	}
	m.summary = strings.TrimSpace(compressed)
}
