// Package sim implements the sales-persona conversation engine: a
// state machine over the session store that roleplays a customer,
// scores the seller's performance, and closes conversations on its
// own once the customer says goodbye.
package sim

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/memory"
	"github.com/lxplabs/ai-fabric/internal/persona"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/sim/prompts"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

// EndPhrase in an AI reply signals that the customer wants to leave.
const EndPhrase = "<대화 종료>"

// MinDialogueLength is the minimum history length before the auto
// close check applies. Counted in turns, both roles.
const MinDialogueLength = 12

var (
	// ErrBusy is returned when a turn arrives while the previous one is
	// still generating.
	ErrBusy = errors.New("sim: generation already in progress")
	// ErrClosed is returned when a turn arrives for a closed session.
	ErrClosed = errors.New("sim: session closed")
)

// replyPrefixes are model artifacts stripped from the front of
// generated customer replies.
var replyPrefixes = []string{"고객:", "고객(나):", "AI:", "응답:"}

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`총점[:\s]*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`점수[:\s]*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)[:/\s]*100`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)점`),
}

// ActivityLog receives session lifecycle events for offline analysis.
// The analytics store implements it; a nil log disables recording.
type ActivityLog interface {
	LogSessionStart(ctx context.Context, userID, sessionID, personaType, scenario string) error
	LogMessage(ctx context.Context, sessionID, userID, role, content string) error
	LogSessionEnd(ctx context.Context, sessionID string, score float64, feedback string) error
}

// Engine drives one simulated sales conversation per session. All
// state lives in the session store; the engine itself is stateless and
// safe for concurrent use across sessions.
type Engine struct {
	store    *session.Store
	llm      llm.Client
	embedder rag.Embedder
	vectors  *vector.Client
	activity ActivityLog
	logger   *logger.Logger
}

// NewEngine wires the engine. vectors and activity may be nil; memory
// recall and activity logging degrade to no-ops.
func NewEngine(store *session.Store, model llm.Client, embedder rag.Embedder, vectors *vector.Client, activity ActivityLog, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		llm:      model,
		embedder: embedder,
		vectors:  vectors,
		activity: activity,
		logger:   log.WithComponent("sim"),
	}
}

// StartResult is the outcome of opening a session.
type StartResult struct {
	State    *session.State
	Greeting string
}

// Start creates a session, generates the customer's first greeting and
// stores the initial state. A nil persona picks one at random; an
// empty scenario falls back to the default.
func (e *Engine) Start(ctx context.Context, userID, sessionID string, p *session.Persona, scenario string) (*StartResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if userID == "" {
		userID = uuid.NewString()
	}
	if scenario == "" {
		scenario = persona.DefaultScenario
	}
	chosen := persona.Random()
	if p != nil {
		chosen = *p
	}

	prompt, err := prompts.Greeting(e.promptContext(chosen, scenario))
	if err != nil {
		return nil, fmt.Errorf("render greeting prompt: %w", err)
	}

	greeting, err := e.llm.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generate greeting: %w", err)
	}
	greeting = stripQuotes(strings.TrimSpace(greeting))

	state := &session.State{
		ID:       sessionID,
		UserID:   userID,
		Persona:  chosen,
		Scenario: scenario,
		Phase:    session.PhaseAwaitingTurn,
		History:  []session.Turn{{Role: session.RoleAI, Content: greeting}},
	}
	state.Touch()
	state.CreatedAt = state.LastActivity

	if err := e.store.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if e.activity != nil {
		if err := e.activity.LogSessionStart(ctx, userID, sessionID, chosen.Type, scenario); err != nil {
			e.logger.Warn("activity log failed", "error", err, "session_id", sessionID)
		}
		e.logMessage(ctx, sessionID, userID, session.RoleAI, greeting)
	}

	return &StartResult{State: state, Greeting: greeting}, nil
}

// TurnResult is the outcome of one seller turn.
type TurnResult struct {
	Reply  string
	Closed bool
	// NextSeq is the stream sequence reserved for the turn's
	// message_end event; the close event, if any, follows at NextSeq+1.
	NextSeq uint64
	// Score and Feedback are set only when the turn closed the session.
	Score    float64
	Feedback string
}

// Chat runs one seller turn: claims the generating phase, produces the
// customer reply (streaming deltas through emit), records both turns
// and checks the auto-close condition. Concurrent turns on the same
// session lose the phase claim and get ErrBusy. Sequence numbers passed
// to emit continue from the session's persisted counter.
func (e *Engine) Chat(ctx context.Context, sessionID, sellerMsg string, emit func(seq uint64, delta string) error) (*TurnResult, error) {
	claimed, err := e.store.Update(ctx, sessionID, func(s *session.State) error {
		switch s.Phase {
		case session.PhaseClosed:
			return ErrClosed
		case session.PhaseGenerating:
			return ErrBusy
		}
		s.Phase = session.PhaseGenerating
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq := claimed.StreamSeq
	streamEmit := func(delta string) error {
		if emit == nil {
			return nil
		}
		if err := emit(seq, delta); err != nil {
			return err
		}
		seq++
		return nil
	}

	mem := e.memoryFor(claimed)
	prompt, err := e.buildTurnPrompt(ctx, claimed, mem, sellerMsg)
	if err != nil {
		e.releasePhase(ctx, sessionID)
		return nil, err
	}

	reply, genErr := e.llm.CompleteStream(ctx, []llm.Message{{Role: "user", Content: prompt}}, streamEmit)
	if genErr != nil {
		// A degraded reply keeps the session usable; the failure is
		// visible to the trainee in the transcript.
		reply = "(응답 생성 실패: " + genErr.Error() + ")"
		if err := streamEmit(reply); err != nil {
			e.releasePhase(ctx, sessionID)
			return nil, err
		}
	}
	reply = stripReplyPrefixes(strings.TrimSpace(reply))

	mem.Add(ctx, "판매자", sellerMsg)
	mem.Add(ctx, "AI", reply)

	// The responder publishes message_end at endSeq and, when the
	// session closes, end at endSeq+1.
	endSeq := seq

	var closing bool
	updated, err := e.store.Update(ctx, sessionID, func(s *session.State) error {
		s.History = append(s.History,
			session.Turn{Role: session.RoleSeller, Content: sellerMsg},
			session.Turn{Role: session.RoleAI, Content: reply},
		)
		s.Summary = mem.Summary()
		closing = shouldAutoClose(s.History)
		s.StreamSeq = endSeq + 1
		if closing {
			s.Phase = session.PhaseClosed
			s.StreamSeq++
		} else {
			s.Phase = session.PhaseAwaitingTurn
		}
		return nil
	})
	if err != nil {
		// The claim must not dangle; a stuck generating phase would
		// reject every later turn with ErrBusy.
		e.releasePhase(ctx, sessionID)
		return nil, err
	}

	e.logMessage(ctx, sessionID, updated.UserID, session.RoleSeller, sellerMsg)
	e.logMessage(ctx, sessionID, updated.UserID, session.RoleAI, reply)

	result := &TurnResult{Reply: reply, Closed: closing, NextSeq: endSeq}
	if closing {
		if err := e.finishSession(ctx, updated, result); err != nil {
			e.logger.Warn("session close bookkeeping failed", "error", err, "session_id", sessionID)
		}
	}
	return result, nil
}

// Close force-closes a session, scoring the transcript as it stands.
// Closing an already closed session is a no-op returning ErrClosed.
func (e *Engine) Close(ctx context.Context, sessionID string) (*TurnResult, error) {
	updated, err := e.store.Update(ctx, sessionID, func(s *session.State) error {
		if s.Phase == session.PhaseClosed {
			return ErrClosed
		}
		s.Phase = session.PhaseClosed
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &TurnResult{Closed: true}
	if err := e.finishSession(ctx, updated, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Analyze scores the transcript against the rubric without changing
// session state.
func (e *Engine) Analyze(ctx context.Context, sessionID string) (string, float64, error) {
	state, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}

	prompt, err := prompts.Analysis(Transcript(state.History))
	if err != nil {
		return "", 0, fmt.Errorf("render analysis prompt: %w", err)
	}

	text, err := e.llm.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", 0, fmt.Errorf("generate analysis: %w", err)
	}
	text = strings.TrimSpace(text)
	return text, ExtractScore(text), nil
}

func (e *Engine) finishSession(ctx context.Context, state *session.State, result *TurnResult) error {
	if err := e.store.MarkClosed(ctx, state.ID); err != nil {
		return err
	}

	feedback, score, err := e.Analyze(ctx, state.ID)
	if err != nil {
		return err
	}
	result.Score = score
	result.Feedback = feedback

	if _, err := e.store.Update(ctx, state.ID, func(s *session.State) error {
		s.Score = strconv.FormatFloat(score, 'f', -1, 64)
		return nil
	}); err != nil {
		return err
	}

	if e.activity != nil {
		if err := e.activity.LogSessionEnd(ctx, state.ID, score, feedback); err != nil {
			return err
		}
	}
	return nil
}

// ResumeStale recovers a session a crashed worker left in generating:
// the phase is reset to awaiting_turn so the next turn can proceed.
// Reports whether a reset happened; a session in any other phase is
// untouched.
func (e *Engine) ResumeStale(ctx context.Context, sessionID string) (bool, error) {
	var reset bool
	_, err := e.store.Update(ctx, sessionID, func(s *session.State) error {
		reset = s.Phase == session.PhaseGenerating
		if reset {
			s.Phase = session.PhaseAwaitingTurn
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return reset, nil
}

// CurrentSeq reports the session's next stream sequence number.
// Best effort; an unreadable session reports 0.
func (e *Engine) CurrentSeq(ctx context.Context, sessionID string) uint64 {
	state, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return 0
	}
	return state.StreamSeq
}

// releasePhase returns a session claimed for generation back to
// awaiting_turn after a failure before any history was written.
func (e *Engine) releasePhase(ctx context.Context, sessionID string) {
	_, err := e.store.Update(ctx, sessionID, func(s *session.State) error {
		if s.Phase == session.PhaseGenerating {
			s.Phase = session.PhaseAwaitingTurn
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to release generating phase", "error", err, "session_id", sessionID)
	}
}

func (e *Engine) memoryFor(state *session.State) *memory.Manager {
	mem := memory.NewManager(state.UserID, e.embedder, e.vectors, e.llm, e.logger)

	recent := state.History
	if len(recent) > memory.MaxRecentMessages {
		recent = recent[len(recent)-memory.MaxRecentMessages:]
	}
	msgs := make([]memory.Message, len(recent))
	for i, t := range recent {
		msgs[i] = memory.Message{Role: roleLabel(t.Role), Content: t.Content}
	}
	mem.Restore(msgs, state.Summary)
	return mem
}

func (e *Engine) buildTurnPrompt(ctx context.Context, state *session.State, mem *memory.Manager, sellerMsg string) (string, error) {
	base, err := prompts.System(e.promptContext(state.Persona, state.Scenario))
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}

	var b strings.Builder
	b.WriteString(base)

	if len(state.History) > 0 {
		b.WriteString("\n\n[이 세션의 대화 기록 - 반드시 참조하세요]\n")
		b.WriteString(Transcript(state.History))
	}

	if ctxBlock := mem.Context(ctx, sellerMsg); ctxBlock != "" {
		b.WriteString("\n\n[추가 참조 정보]\n")
		b.WriteString(ctxBlock)
	}

	b.WriteString("\n판매자: ")
	b.WriteString(sellerMsg)
	b.WriteString("\n\n고객 응답 (이전 대화를 완벽히 기억하며, 자연스럽게 이어가세요):")
	return b.String(), nil
}

func (e *Engine) promptContext(p session.Persona, scenario string) prompts.PersonaContext {
	return prompts.PersonaContext{
		Type:        p.Type,
		Gender:      p.Gender,
		AgeGroup:    p.AgeGroup,
		Personality: p.Personality,
		Tech:        p.Tech,
		Goal:        p.Goal,
		Usage:       p.Usage,
		Scenario:    persona.ScenarioDescription(scenario),
	}
}

func (e *Engine) logMessage(ctx context.Context, sessionID, userID, role, content string) {
	if e.activity == nil {
		return
	}
	if err := e.activity.LogMessage(ctx, sessionID, userID, role, content); err != nil {
		e.logger.Warn("message log failed", "error", err, "session_id", sessionID)
	}
}

// shouldAutoClose reports whether the conversation has run long enough
// and the customer's last reply contains the end phrase.
func shouldAutoClose(history []session.Turn) bool {
	if len(history) < MinDialogueLength {
		return false
	}
	last := history[len(history)-1]
	return last.Role == session.RoleAI && strings.Contains(last.Content, EndPhrase)
}

// Transcript renders history the way the prompts expect it, one line
// per turn with Korean role labels.
func Transcript(history []session.Turn) string {
	lines := make([]string, len(history))
	for i, t := range history {
		lines[i] = roleLabel(t.Role) + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}

func roleLabel(role string) string {
	if role == session.RoleSeller {
		return "판매자"
	}
	return "AI"
}

// ExtractScore pulls the numeric total out of a rubric analysis,
// trying the most specific patterns first. Returns 0 when nothing in
// range is found.
func ExtractScore(text string) float64 {
	for _, pattern := range scorePatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if val >= 0 && val <= 100 {
			return val
		}
	}
	return 0
}

func stripReplyPrefixes(reply string) string {
	for _, prefix := range replyPrefixes {
		if strings.HasPrefix(reply, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(reply, prefix))
		}
	}
	return reply
}

func stripQuotes(s string) string {
	return strings.NewReplacer(`"`, "", "'", "").Replace(s)
}
