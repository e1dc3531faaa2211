package models

import (
	"strings"
	"time"
)

// StreamStatus is the externally visible lifecycle state of a stream.
type StreamStatus string

const (
	StatusIdle     StreamStatus = "idle"
	StatusStarting StreamStatus = "starting"
	StatusRunning  StreamStatus = "running"
	StatusStopping StreamStatus = "stopping"
	StatusStopped  StreamStatus = "stopped"
	StatusError    StreamStatus = "error"
)

var transitions = map[StreamStatus][]StreamStatus{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusStopping, StatusStopped, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusStopped:  {StatusStarting},
	StatusError:    {StatusStarting},
}

// CanTransition reports whether a stream may move from one status to another.
func CanTransition(from, to StreamStatus) bool {
	if from == "" {
		from = StatusIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the status holds the destination account.
func (s StreamStatus) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Terminal reports whether the status ends a run.
func (s StreamStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// StreamRecord is the durable view of one stream. The runtime fields mirror
// the state of the encoder process while a run is active and are cleared when
// the run ends.
type StreamRecord struct {
	StreamID         string       `json:"streamId"`
	AccountID        string       `json:"accountId"`
	Status           StreamStatus `json:"status"`
	ProcessID        *int         `json:"processId,omitempty"`
	ProcessStartedAt *time.Time   `json:"processStartedAt,omitempty"`
	LastHeartbeat    *time.Time   `json:"lastHeartbeat,omitempty"`
	BroadcastID      string       `json:"broadcastId,omitempty"`
	IngestURL        string       `json:"ingestUrl,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	Restarts         int          `json:"restarts"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	StoppedAt        *time.Time   `json:"stoppedAt,omitempty"`
}

// ResetRuntime clears the fields that only describe a live encoder process.
func (r *StreamRecord) ResetRuntime() {
	r.ProcessID = nil
	r.ProcessStartedAt = nil
	r.LastHeartbeat = nil
	r.IngestURL = ""
	r.Restarts = 0
}

// HeartbeatAge returns how long ago the last heartbeat was recorded. Records
// without a heartbeat report ok=false.
func (r StreamRecord) HeartbeatAge(now time.Time) (time.Duration, bool) {
	if r.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*r.LastHeartbeat), true
}

// AcquiredSource is a playable local path or URL at a fixed position of the
// playback order.
type AcquiredSource struct {
	Position int    `json:"position"`
	Location string `json:"location"`
	Remote   bool   `json:"remote"`
}

// AccountToken holds the OAuth credentials of a destination account.
type AccountToken struct {
	AccountID    string    `json:"accountId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// StreamLogEntry is a user-facing event recorded against a stream.
type StreamLogEntry struct {
	StreamID  string    `json:"streamId"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// NormalizeID trims surrounding whitespace from identifiers supplied by callers.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}
