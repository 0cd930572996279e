package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session record is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAuditDisabled is returned when the session audit store is not configured.
	ErrAuditDisabled = errors.New("session audit is disabled")
)
