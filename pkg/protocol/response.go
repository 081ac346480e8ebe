package protocol

import "fmt"

// Status classifies the terminal state of one command invocation.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusScriptError      Status = "SCRIPT_ERROR"
	StatusTimeout          Status = "TIMEOUT"
	StatusCapacityExceeded Status = "CAPACITY_EXCEEDED"
	StatusRejected         Status = "REJECTED"
	StatusInternalError    Status = "INTERNAL_ERROR"
)

// Valid reports whether s is one of the defined status values.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusScriptError, StatusTimeout,
		StatusCapacityExceeded, StatusRejected, StatusInternalError:
		return true
	}
	return false
}

// Response is the canonical command response message published on
// strada.resp.<vehicle-id>. Payload is base64-encoded on the wire
// (encoding/json []byte behavior).
type Response struct {
	CommandID  string `json:"command_id"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Validate checks the response is well formed before it goes on the wire.
func (r *Response) Validate() error {
	if r.CommandID == "" {
		return fmt.Errorf("response missing command_id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("response %s: invalid status %q", r.CommandID, r.Status)
	}
	return nil
}

// Reset clears the response for reuse by a scratch encoder.
func (r *Response) Reset() {
	r.CommandID = ""
	r.Status = ""
	r.Reason = ""
	r.Payload = nil
	r.DurationMs = 0
}
