package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/termbridge/internal/model"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

const sessionColumns = `id, remote_addr, shell, workdir, cols, rows, pid, status, end_reason, exit_code, recording_path, last_output, started_at, ended_at`

// SessionRepository provides data access for session audit records.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (id, remote_addr, shell, workdir, cols, rows, pid, status, recording_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.RemoteAddr,
		session.Shell,
		session.Workdir,
		session.Cols,
		session.Rows,
		session.PID,
		session.Status,
		nullString(session.RecordingPath),
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Finish completes a session record with its end state.
func (r *SessionRepository) Finish(ctx context.Context, session *model.Session) error {
	query := `
		UPDATE sessions
		SET status = ?, end_reason = ?, exit_code = ?, pid = ?, cols = ?, rows = ?, last_output = ?, ended_at = ?
		WHERE id = ?
	`

	endedAt := time.Now()
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}

	result, err := r.db.ExecContext(ctx, query,
		session.Status,
		nullString(string(session.EndReason)),
		session.ExitCode,
		session.PID,
		session.Cols,
		session.Rows,
		nullString(session.LastOutput),
		endedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List returns the most recently started sessions, newest first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// CountActive returns the number of sessions still marked running.
func (r *SessionRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, model.SessionStatusRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// CloseStale marks sessions left running by a previous server process as
// closed. It returns the number of records updated.
func (r *SessionRepository) CloseStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE sessions
		SET status = ?, end_reason = ?, ended_at = ?
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusClosed,
		model.EndReasonServerShutdown,
		time.Now(),
		model.SessionStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	return result.RowsAffected()
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var pid, exitCode sql.NullInt64
	var endReason, recordingPath, lastOutput sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.RemoteAddr,
		&session.Shell,
		&session.Workdir,
		&session.Cols,
		&session.Rows,
		&pid,
		&session.Status,
		&endReason,
		&exitCode,
		&recordingPath,
		&lastOutput,
		&session.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if endReason.Valid {
		session.EndReason = model.EndReason(endReason.String)
	}
	if recordingPath.Valid {
		session.RecordingPath = recordingPath.String
	}
	if lastOutput.Valid {
		session.LastOutput = lastOutput.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
