package audit

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Actions recorded by the backend.
const (
	ActionLogin  = "login"
	ActionLogout = "logout"
)

const service = "imagewatch"

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`    // Username
	Details   string    `json:"details,omitempty"` // Additional details
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"` // Error message if the action failed
}

// Recorder writes one JSON audit event per line. A nil Recorder discards
// events.
type Recorder struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		logger: zerolog.New(w),
		now:    time.Now,
	}
}

// Log records an audit event.
func (r *Recorder) Log(action, user, details string, success bool, err error) {
	if r == nil {
		return
	}
	event := Event{
		Timestamp: r.now().UTC(),
		Service:   service,
		Action:    action,
		User:      user,
		Details:   details,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		// Fallback to unstructured logging if JSON marshaling fails
		r.logger.Error().
			Str("action", action).
			Str("user", user).
			Bool("success", success).
			Err(marshalErr).
			Msg("Audit Log (fallback)")
		return
	}
	r.logger.Log().RawJSON("audit_event", entry).Msg("")
}
