package model

import (
	"time"
)

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusClosed  SessionStatus = "closed"
	SessionStatusFailed  SessionStatus = "failed"
)

// EndReason explains why a session was torn down.
type EndReason string

const (
	EndReasonClientClosed     EndReason = "client_closed"
	EndReasonHeartbeatTimeout EndReason = "heartbeat_timeout"
	EndReasonProcessExited    EndReason = "process_exited"
	EndReasonServerShutdown   EndReason = "server_shutdown"
	EndReasonSpawnFailed      EndReason = "spawn_failed"
)

// Session is the audit record of one terminal connection. It is written when
// the connection is accepted and completed when it closes; it is never used
// to resume a session.
type Session struct {
	ID            string        `json:"id"`
	RemoteAddr    string        `json:"remoteAddr"`
	Shell         string        `json:"shell"`
	Workdir       string        `json:"workdir"`
	Cols          uint16        `json:"cols"`
	Rows          uint16        `json:"rows"`
	PID           *int          `json:"pid,omitempty"`
	Status        SessionStatus `json:"status"`
	EndReason     EndReason     `json:"endReason,omitempty"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	LastOutput    string        `json:"lastOutput,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// Duration returns how long the session lasted, or has lasted so far.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// IsActive reports whether the session has not ended yet.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusRunning
}
