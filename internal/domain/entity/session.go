package entity

import (
	"encoding/json"
	"time"
)

// SessionState represents the discrete states of a proxied request.
type SessionState string

const (
	StatePending    SessionState = "pending"    // Waiting for the operator at point 1
	StateProcessing SessionState = "processing" // Acquiring the response
	StateReviewing  SessionState = "reviewing"  // Buffered response waiting at point 2
	StateComplete   SessionState = "complete"   // Response emitted (or errored); terminal
)

// ResponseSource records where the emitted bytes originated.
type ResponseSource string

const (
	SourceLLM   ResponseSource = "llm"
	SourceCache ResponseSource = "cache"
	SourceMock  ResponseSource = "mock"
)

// ToolCall is a tool invocation reconstructed from streaming deltas.
// Arguments is the raw accumulated fragment string; it is never parsed here.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage mirrors OpenAI's token usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RequestSnapshot is the read-only view of the inbound request shown to
// the operator. The raw body is kept verbatim for forwarding.
type RequestSnapshot struct {
	Model       string           `json:"model"`
	Messages    []map[string]any `json:"messages"`
	Stream      bool             `json:"stream"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	RawBody     json.RawMessage  `json:"raw_body,omitempty"`
}

// SessionResponse is the assembled view of the response as it was (or will
// be) emitted to the caller.
type SessionResponse struct {
	Status       int        `json:"status"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// Session is the per-request record maintained from creation through
// completion. It is mutated only through the broker.
type Session struct {
	ID             string           `json:"id"`
	State          SessionState     `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	ProcessingAt   *time.Time       `json:"processing_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Request        RequestSnapshot  `json:"request"`
	Fingerprint    string           `json:"fingerprint"`
	CacheAvailable bool             `json:"cache_available"`
	Source         ResponseSource   `json:"response_source,omitempty"`
	Response       *SessionResponse `json:"response,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers while the original
// keeps being mutated under the broker's lock.
func (s *Session) Clone() *Session {
	cp := *s
	if s.ProcessingAt != nil {
		t := *s.ProcessingAt
		cp.ProcessingAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Response != nil {
		r := *s.Response
		r.ToolCalls = append([]ToolCall(nil), s.Response.ToolCalls...)
		if s.Response.Usage != nil {
			u := *s.Response.Usage
			r.Usage = &u
		}
		cp.Response = &r
	}
	cp.Request.Messages = append([]map[string]any(nil), s.Request.Messages...)
	cp.Request.Tools = append([]map[string]any(nil), s.Request.Tools...)
	return &cp
}
