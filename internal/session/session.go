package session

import (
	"time"
)

// Phase is the turn-serialization state of a conversation session.
// Transitions are enforced through compare-and-set updates so that two
// concurrent chat requests cannot both enter generating.
type Phase string

const (
	PhaseGreeting     Phase = "greeting"
	PhaseAwaitingTurn Phase = "awaiting_turn"
	PhaseGenerating   Phase = "generating"
	PhaseClosed       Phase = "closed"
)

// History roles. Seller is the human trainee, AI the simulated
// customer.
const (
	RoleSeller = "seller"
	RoleAI     = "ai"
)

// Turn is one exchange in the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is the full persisted session record. It is stored as one JSON
// value under session:{id} and replaced atomically on every update.
type State struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Persona      Persona   `json:"persona"`
	Scenario     string    `json:"scenario"`
	Phase        Phase     `json:"phase"`
	History      []Turn    `json:"history"`
	Summary      string    `json:"summary,omitempty"`
	Score        string    `json:"score,omitempty"`
	// StreamSeq is the next sequence number on the session's result
	// stream. Kept in the state so numbering survives worker restarts
	// and stays monotone across turns.
	StreamSeq    uint64    `json:"stream_seq,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Persona describes the simulated customer assigned to a session.
// Immutable after session creation.
type Persona struct {
	Type        string `json:"type"`
	Gender      string `json:"gender"`
	AgeGroup    string `json:"age_group"`
	Personality string `json:"personality"`
	Tech        string `json:"tech"`
	Goal        string `json:"goal"`
	Usage       string `json:"usage"`
}

// Closed reports whether the session has reached its terminal phase.
func (s *State) Closed() bool {
	return s.Phase == PhaseClosed
}

// Touch refreshes the activity timestamp. Callers do this on every
// successful update so the TTL tracks real usage.
func (s *State) Touch() {
	s.LastActivity = time.Now().UTC()
}
