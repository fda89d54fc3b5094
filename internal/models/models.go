package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/super-hydro/superhydro/internal/protocol"
)

// Request is one client command addressed to a session.
type Request struct {
	Command protocol.Command `json:"cmd"`
	Session string           `json:"session,omitempty"`
	Target  string           `json:"target,omitempty"`
	Value   json.RawMessage  `json:"value,omitempty"`
	Array   *protocol.Array  `json:"-"`
}

// Response is the single reply to a Request. Exactly one of Err, Array
// or Value is meaningful; all empty is a plain acknowledgment.
type Response struct {
	Value json.RawMessage
	Array *protocol.Array
	Err   string
}

// Failed reports whether the response carries the failure sentinel.
func (r Response) Failed() bool {
	return r.Err != ""
}

// Error returns the failure as an error, nil on success.
func (r Response) Error() error {
	if !r.Failed() {
		return nil
	}
	return &RemoteError{Message: r.Err}
}

// Ack is the plain acknowledgment.
func Ack() Response {
	return Response{}
}

// Failure builds a failed response.
func Failure(format string, args ...interface{}) Response {
	return Response{Err: fmt.Sprintf(format, args...)}
}

// ValueResponse marshals v into a successful response.
func ValueResponse(v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure("value is not JSON serializable: %v", err)
	}
	return Response{Value: raw}
}

// ArrayResponse wraps an array payload.
func ArrayResponse(a *protocol.Array) Response {
	return Response{Array: a}
}

// RemoteError is a failure reported by the serving side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Session states
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateFailed    = "failed"
	StateDestroyed = "destroyed"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	State        string    `json:"state"`
	ClientCount  int       `json:"client_count"`
	StepCount    int64     `json:"step_count"`
	Pinned       bool      `json:"pinned"`
	CreatedAt    time.Time `json:"created_at"`
	LastStepMs   float64   `json:"last_step_ms"`
	StepFailures int       `json:"step_failures"`
	LastError    string    `json:"last_error,omitempty"`
}

// SessionRecord is the journal entry kept for a session across its lifetime.
type SessionRecord struct {
	Name        string     `json:"name"`
	Model       string     `json:"model"`
	ServerID    string     `json:"server_id"`
	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
	Status      string     `json:"status"`
	StepCount   int64      `json:"step_count"`
	PeakClients int        `json:"peak_clients"`
}

// DirectoryEntry announces where a live session is served.
type DirectoryEntry struct {
	Name        string    `json:"name"`
	ServerID    string    `json:"server_id"`
	Address     string    `json:"address"`
	Model       string    `json:"model"`
	ClientCount int       `json:"client_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// AvailableCommands lists recognised targets per verb with descriptions.
type AvailableCommands struct {
	Do       map[string]string `json:"do"`
	Get      map[string]string `json:"get"`
	Set      map[string]string `json:"set"`
	GetArray map[string]string `json:"get_array"`
	SetArray map[string]string `json:"set_array"`
}

// ViewerMessage is sent by a websocket viewer to drive its session.
type ViewerMessage struct {
	Type   string          `json:"type"` // "set", "do", "get"
	Target string          `json:"target"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// ViewerReply answers a ViewerMessage or announces a parameter change.
type ViewerReply struct {
	Type   string          `json:"type"` // "init", "value", "param_up", "done", "error"
	Target string          `json:"target,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SessionDetails combines a live session's info with its journal record.
// Either may be missing.
type SessionDetails struct {
	Info   *SessionInfo   `json:"info,omitempty"`
	Record *SessionRecord `json:"record,omitempty"`
}

// CommandRequest is a one-shot command sent over HTTP.
type CommandRequest struct {
	Command string          `json:"cmd"`
	Target  string          `json:"target"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// CommandResponse answers a CommandRequest that did not return an array.
type CommandResponse struct {
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
