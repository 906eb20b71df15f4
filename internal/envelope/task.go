package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Function identifies the worker family a task is routed to.
type Function string

const (
	FunctionAssist    Function = "assist"
	FunctionGalaxy    Function = "galaxy"
	FunctionCoach     Function = "coach"
	FunctionTranslate Function = "translate"
	FunctionSim       Function = "sim"
	FunctionChat      Function = "chat"
)

// SubFunctions is the per-function whitelist enforced by the dispatcher.
// Unknown sub-functions are rejected before anything reaches the broker.
var SubFunctions = map[Function][]string{
	FunctionAssist:    {"qa", "summarize"},
	FunctionGalaxy:    {"recommend", "qa"},
	FunctionCoach:     {"qa", "plan"},
	FunctionTranslate: {"ko-en", "en-ko"},
	FunctionSim:       {"control.close", "control.start"},
	FunctionChat:      {"message"},
}

// KnownFunction reports whether fn is a routable function.
func KnownFunction(fn Function) bool {
	_, ok := SubFunctions[fn]
	return ok
}

// KnownSubFunction reports whether sub is whitelisted for fn.
func KnownSubFunction(fn Function, sub string) bool {
	for _, s := range SubFunctions[fn] {
		if s == sub {
			return true
		}
	}
	return false
}

// NewJobID allocates a cluster-unique 128-bit job identifier, hex encoded.
func NewJobID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])
}

// Task is the envelope published to the tasks exchange.
//
// Extensions carries forward-compatible fields that typed decoding does
// not understand; it round-trips untouched.
type Task struct {
	JobID         string                     `json:"job_id"`
	OrgID         string                     `json:"org_id,omitempty"`
	SessionID     string                     `json:"session_id,omitempty"`
	UserID        string                     `json:"user_id"`
	ThreadID      string                     `json:"thread_id,omitempty"`
	Function      Function                   `json:"function"`
	SubFunction   string                     `json:"sub_function"`
	Prompt        string                     `json:"prompt,omitempty"`
	Params        map[string]interface{}     `json:"params,omitempty"`
	VectorstoreID string                     `json:"vectorstore_id,omitempty"`
	Files         []string                   `json:"files,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	Extensions    map[string]json.RawMessage `json:"extensions,omitempty"`
}

// RoutingKey returns the topic key the task is published under.
func (t *Task) RoutingKey() string {
	return string(t.Function) + "." + t.SubFunction
}

// Validate rejects envelopes that would dead-letter immediately.
func (t *Task) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("task: missing job_id")
	}
	if t.UserID == "" {
		return fmt.Errorf("task: missing user_id")
	}
	if !KnownFunction(t.Function) {
		return fmt.Errorf("task: unknown function %q", t.Function)
	}
	if t.SubFunction == "" || !KnownSubFunction(t.Function, t.SubFunction) {
		return fmt.Errorf("task: unknown sub_function %q for %q", t.SubFunction, t.Function)
	}
	return nil
}

// DecodeTask decodes a task envelope, rejecting unknown function tags.
func DecodeTask(body []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("task: invalid json: %w", err)
	}
	if !KnownFunction(t.Function) {
		return nil, fmt.Errorf("task: unknown function %q", t.Function)
	}
	return &t, nil
}
