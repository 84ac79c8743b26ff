package history

import (
	"context"

	"github.com/ent0n29/voicebench/internal/session"
)

// Store persists sessions and their finalized turns.
type Store interface {
	SaveSession(ctx context.Context, s session.Session) error
	SaveTurn(ctx context.Context, turn session.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error)
	ListSessions(ctx context.Context, limit int) ([]session.Session, error)
	Close() error
}
