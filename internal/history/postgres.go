package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/session"
)

// PostgresStore persists session history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			provider JSONB NOT NULL DEFAULT '{}'::jsonb,
			system_prompt TEXT NOT NULL DEFAULT '',
			roles JSONB NOT NULL DEFAULT '{}'::jsonb,
			barge_in BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			interruption_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS voice_turns (
			session_id TEXT NOT NULL REFERENCES voice_sessions (id) ON DELETE CASCADE,
			turn INTEGER NOT NULL,
			user_transcript TEXT NOT NULL DEFAULT '',
			agent_text TEXT NOT NULL DEFAULT '',
			interrupted BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			latency JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (session_id, turn)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_started ON voice_sessions (started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess session.Session) error {
	provider, err := json.Marshal(sess.Provider)
	if err != nil {
		return fmt.Errorf("encode provider: %w", err)
	}
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, remote_id, profile, mode, provider, system_prompt, roles, barge_in,
			status, turn_count, interruption_count, last_error, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			status = EXCLUDED.status,
			turn_count = EXCLUDED.turn_count,
			interruption_count = EXCLUDED.interruption_count,
			last_error = EXCLUDED.last_error,
			ended_at = EXCLUDED.ended_at`,
		sess.ID,
		sess.RemoteID,
		sess.Profile,
		sess.Mode,
		provider,
		sess.SystemPrompt,
		roles,
		sess.BargeIn,
		string(sess.Status),
		sess.TurnCount,
		sess.InterruptionCount,
		sess.LastError,
		sess.StartedAt,
		sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn session.Turn) error {
	breakdown, err := json.Marshal(turn.Latency)
	if err != nil {
		return fmt.Errorf("encode latency: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_turns (session_id, turn, user_transcript, agent_text, interrupted, started_at, ended_at, latency)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, turn) DO NOTHING`,
		turn.SessionID,
		turn.Number,
		turn.UserTranscript,
		turn.AgentText,
		turn.Interrupted,
		turn.StartedAt,
		turn.EndedAt,
		breakdown,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, turn, user_transcript, agent_text, interrupted, started_at, ended_at, latency
		 FROM voice_turns WHERE session_id=$1 ORDER BY turn ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var items []session.Turn
	for rows.Next() {
		var (
			t   session.Turn
			raw []byte
		)
		if err := rows.Scan(&t.SessionID, &t.Number, &t.UserTranscript, &t.AgentText, &t.Interrupted, &t.StartedAt, &t.EndedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		var b latency.Breakdown
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode turn latency: %w", err)
		}
		t.Latency = b
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, remote_id, profile, mode, provider, system_prompt, roles, barge_in,
			status, turn_count, interruption_count, last_error, started_at, ended_at
		 FROM voice_sessions ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	items := make([]session.Session, 0, limit)
	for rows.Next() {
		var (
			sess            session.Session
			provider, roles []byte
			status          string
			endedAt         *time.Time
		)
		if err := rows.Scan(&sess.ID, &sess.RemoteID, &sess.Profile, &sess.Mode, &provider, &sess.SystemPrompt, &roles,
			&sess.BargeIn, &status, &sess.TurnCount, &sess.InterruptionCount, &sess.LastError, &sess.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var pc protocol.ProviderConfig
		if err := json.Unmarshal(provider, &pc); err != nil {
			return nil, fmt.Errorf("decode session provider: %w", err)
		}
		var rl protocol.RoleLabels
		if err := json.Unmarshal(roles, &rl); err != nil {
			return nil, fmt.Errorf("decode session roles: %w", err)
		}
		sess.Provider = pc
		sess.Roles = rl
		sess.Status = session.Status(status)
		sess.EndedAt = endedAt
		items = append(items, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
