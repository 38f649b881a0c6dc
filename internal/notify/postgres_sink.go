package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink archives events in an append-only table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
    id BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    intent_id BIGINT NOT NULL DEFAULT 0,
    principal TEXT NOT NULL,
    payload JSONB NOT NULL,
    emitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lifecycle_events_intent_idx ON lifecycle_events (intent_id);
`

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createEventsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresSink) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO lifecycle_events (kind, source, intent_id, principal, payload, emitted_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, string(ev.Kind), ev.Source, int64(ev.IntentID), ev.Principal.Hex(), payload, ev.Timestamp)
	return err
}

// CountForIntent returns how many events were archived for intentID.
func (p *PostgresSink) CountForIntent(ctx context.Context, intentID uint64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lifecycle_events WHERE intent_id = $1`, int64(intentID)).Scan(&n)
	return n, err
}
