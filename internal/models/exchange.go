package models

import "time"

// Exchange is one captured request/response pair. It is created at
// pipeline entry and finalized exactly once; it is never mutated after
// Recorder.Append returns.
type Exchange struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	ClientIP   string            `json:"client_ip,omitempty"`
	ReqHeaders map[string]string `json:"request_headers,omitempty"`
	ReqBody    []byte            `json:"request_body,omitempty"`

	Status      int               `json:"status,omitempty"`
	RespHeaders map[string]string `json:"response_headers,omitempty"`
	RespBody    []byte            `json:"response_body,omitempty"`

	DurationMS int64 `json:"duration_ms"`
	Mocked     bool  `json:"mocked,omitempty"`
	RateLimited bool `json:"rate_limited,omitempty"`
	Cancelled  bool  `json:"cancelled,omitempty"`
}

// HasResponse reports whether the exchange has a recorded response
// (false for requests cancelled mid-suspension).
func (e *Exchange) HasResponse() bool {
	return e.Status != 0
}
