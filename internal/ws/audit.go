package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/termbridge/internal/model"
)

const auditTimeout = 5 * time.Second

// SessionStore persists session audit rows.
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	Finish(ctx context.Context, session *model.Session) error
}

// AuditListener records session lifecycles in a SessionStore. Store
// failures are logged and never affect the session itself.
type AuditListener struct {
	store  SessionStore
	logger *zap.Logger
}

// NewAuditListener creates an AuditListener.
func NewAuditListener(store SessionStore, logger *zap.Logger) *AuditListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditListener{store: store, logger: logger}
}

// SessionStarted inserts the audit row.
func (a *AuditListener) SessionStarted(rec model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := a.store.Create(ctx, &rec); err != nil {
		a.logger.Warn("failed to record session start", zap.String("session_id", rec.ID), zap.Error(err))
	}
}

// SessionEnded completes the audit row.
func (a *AuditListener) SessionEnded(rec model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := a.store.Finish(ctx, &rec); err != nil {
		a.logger.Warn("failed to record session end", zap.String("session_id", rec.ID), zap.Error(err))
	}
}
