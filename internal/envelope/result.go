package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result event kinds carried in the routing key suffix and the SSE
// event name.
const (
	EventSucceeded  = "succeeded"
	EventFailed     = "failed"
	EventMessage    = "message"
	EventGreeting   = "greeting"
	EventMessageEnd = "message_end"
	EventError      = "error"
	EventLag        = "lag"
	EventEnd        = "end"
)

// Result is the envelope published to the results exchange and to the
// chat.responses fanout.
//
// For a given job_id exactly one result carries Final=true and it is
// the last one published.
type Result struct {
	JobID     string          `json:"job_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Event     string          `json:"event"`
	Seq       uint64          `json:"seq"`
	Chunk     string          `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Final     bool            `json:"final,omitempty"`
	Error     string          `json:"error,omitempty"`
	TS        time.Time       `json:"ts"`
}

// ResultRoutingKey builds the topic key a result is published under,
// e.g. "assist.succeeded" or "task.failed".
func ResultRoutingKey(fn Function, event string) string {
	if fn == "" {
		return "task." + event
	}
	return string(fn) + "." + event
}

// DecodeResult decodes a result envelope. The router tolerates (logs
// and drops) payloads this rejects.
func DecodeResult(body []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("result: invalid json: %w", err)
	}
	if r.JobID == "" && r.SessionID == "" {
		return nil, fmt.Errorf("result: missing job_id and session_id")
	}
	return &r, nil
}

// ChatMessage is the envelope published to the chat.messages exchange
// for one seller turn.
type ChatMessage struct {
	SessionID string    `json:"session_id"`
	SellerMsg string    `json:"seller_msg"`
	UserID    string    `json:"user_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
