package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares replay records across replicas. Rows carry the key's
// scope (the prefix before the first colon, e.g. route or delivery) so
// operators can query them per surface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const responseSchema = `
CREATE TABLE IF NOT EXISTS intent_responses (
    key          TEXT PRIMARY KEY,
    scope        TEXT NOT NULL,
    status_code  INT NOT NULL,
    response     BYTEA NOT NULL,
    fingerprint  TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intent_responses_expiry ON intent_responses (expires_at);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, responseSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx,
		`SELECT status_code, response, fingerprint, created_at, expires_at
		   FROM intent_responses
		  WHERE key = $1 AND expires_at > now()`, key).
		Scan(&rec.StatusCode, &rec.Response, &rec.Fingerprint, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return &rec, nil
}

// Reserve inserts the record, taking over an existing row only once it has
// expired. When the key is live the current row comes back instead.
func (p *PostgresStore) Reserve(ctx context.Context, key string, record Record) (*Record, error) {
	// A row released between the insert and the read is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO intent_responses (key, scope, status_code, response, fingerprint, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (key) DO UPDATE
			    SET scope = EXCLUDED.scope,
			        status_code = EXCLUDED.status_code,
			        response = EXCLUDED.response,
			        fingerprint = EXCLUDED.fingerprint,
			        created_at = EXCLUDED.created_at,
			        expires_at = EXCLUDED.expires_at
			  WHERE intent_responses.expires_at <= now()`,
			key, scopeOf(key), record.StatusCode, nonNil(record.Response), record.Fingerprint, record.CreatedAt, record.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", key, err)
		}
		if tag.RowsAffected() == 1 {
			return nil, nil
		}
		existing, err := p.Get(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, fmt.Errorf("reserve %s: key changed hands while reading", key)
}

// Save writes the final response over the reservation.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO intent_responses (key, scope, status_code, response, fingerprint, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE
		    SET status_code = EXCLUDED.status_code,
		        response = EXCLUDED.response,
		        fingerprint = EXCLUDED.fingerprint,
		        created_at = EXCLUDED.created_at,
		        expires_at = EXCLUDED.expires_at`,
		key, scopeOf(key), record.StatusCode, nonNil(record.Response), record.Fingerprint, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM intent_responses WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Prune removes expired rows and returns how many were deleted.
func (p *PostgresStore) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM intent_responses WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// nonNil keeps the NOT NULL response column satisfied for reservations.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func scopeOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "default"
}
