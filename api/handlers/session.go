// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termbridge/internal/model"
)

// SessionStore reads and prunes session audit rows.
type SessionStore interface {
	List(ctx context.Context, limit int) ([]*model.Session, error)
	GetByID(ctx context.Context, id string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
}

// SessionHandler serves the session audit trail. A nil store means auditing
// is disabled and every route answers 503.
type SessionHandler struct {
	store SessionStore
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(store SessionStore) *SessionHandler {
	return &SessionHandler{store: store}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID           string `json:"id"`
	RemoteAddr   string `json:"remoteAddr"`
	Shell        string `json:"shell"`
	Workdir      string `json:"workdir"`
	Cols         uint16 `json:"cols"`
	Rows         uint16 `json:"rows"`
	PID          *int   `json:"pid,omitempty"`
	Status       string `json:"status"`
	EndReason    string `json:"endReason,omitempty"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	HasRecording bool   `json:"hasRecording"`
	LastOutput   string `json:"lastOutput,omitempty"`
	Duration     string `json:"duration"`
	StartedAt    string `json:"startedAt"`
	EndedAt      string `json:"endedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:           s.ID,
		RemoteAddr:   s.RemoteAddr,
		Shell:        s.Shell,
		Workdir:      s.Workdir,
		Cols:         s.Cols,
		Rows:         s.Rows,
		PID:          s.PID,
		Status:       string(s.Status),
		EndReason:    string(s.EndReason),
		ExitCode:     s.ExitCode,
		HasRecording: s.RecordingPath != "",
		LastOutput:   s.LastOutput,
		Duration:     formatDuration(s.Duration()),
		StartedAt:    s.StartedAt.Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		resp.EndedAt = s.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// requireStore answers 503 when auditing is disabled.
func (h *SessionHandler) requireStore(c *gin.Context) bool {
	if h.store == nil {
		sendError(c, http.StatusServiceUnavailable, "AUDIT_DISABLED", model.ErrAuditDisabled.Error())
		return false
	}
	return true
}

// lookup fetches a session or writes the error response.
func (h *SessionHandler) lookup(c *gin.Context) (*model.Session, bool) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return nil, false
	}

	sess, err := h.store.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return nil, false
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return nil, false
	}
	return sess, true
}

// List handles GET /api/sessions - lists the most recent sessions.
func (h *SessionHandler) List(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id - removes a finished session
// and its recording.
func (h *SessionHandler) Delete(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	if sess.IsActive() {
		sendError(c, http.StatusConflict, "INVALID_STATE", "Session is still running")
		return
	}

	if err := h.store.Delete(c.Request.Context(), sess.ID); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sess.ID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		return
	}

	if sess.RecordingPath != "" {
		if err := os.Remove(sess.RecordingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete recording: "+err.Error())
			return
		}
	}

	c.Status(http.StatusNoContent)
}

// GetRecording handles GET /api/sessions/:id/recording - downloads the
// asciinema cast of a session.
func (h *SessionHandler) GetRecording(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	sess, ok := h.lookup(c)
	if !ok {
		return
	}

	if sess.RecordingPath == "" {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "No recording for session "+sess.ID)
		return
	}
	if _, err := os.Stat(sess.RecordingPath); err != nil {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording file missing for session "+sess.ID)
		return
	}

	// Set headers for file download
	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sess.ID+".cast")

	// Stream the file
	c.File(sess.RecordingPath)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/recording", h.GetRecording)
	}
}
