package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillgate/quillgate/model"
)

// PgTokenStore is a PostgreSQL-backed TokenStore using pgx/v5.
type PgTokenStore struct {
	pool *pgxpool.Pool
}

// NewPgTokenStore creates a new PostgreSQL token store.
func NewPgTokenStore(pool *pgxpool.Pool) *PgTokenStore {
	return &PgTokenStore{pool: pool}
}

// Issue implements TokenStore.
func (s *PgTokenStore) Issue(ctx context.Context, token model.ResumeToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resume_tokens (token, instance_id, wait_point, issued_at)
		VALUES ($1, $2, $3, $4)`,
		token.Token, token.InstanceID, token.WaitPoint, token.IssuedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("resume token %q already exists", token.Token))
	}
	if err != nil {
		return fmt.Errorf("resume: insert token: %w", err)
	}
	return nil
}

// Get implements TokenStore.
func (s *PgTokenStore) Get(ctx context.Context, token string) (model.ResumeToken, error) {
	return s.scanToken(s.pool.QueryRow(ctx, tokenSelect+` WHERE token = $1`, token))
}

// Claim implements TokenStore. The consumed_at null check inside the UPDATE
// is the entire concurrency story: under any interleaving exactly one
// caller flips it.
func (s *PgTokenStore) Claim(ctx context.Context, token, by string, at time.Time) (model.ResumeToken, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resume_tokens
		SET consumed_at = $2, consumed_by = $3
		WHERE token = $1 AND consumed_at IS NULL`,
		token, at, by,
	)
	if err != nil {
		return model.ResumeToken{}, false, fmt.Errorf("resume: claim token: %w", err)
	}

	stored, err := s.Get(ctx, token)
	if err != nil {
		return model.ResumeToken{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// Release implements TokenStore. The claimant check inside the UPDATE keeps
// it conditional the same way Claim is: only the holder can put the token
// back.
func (s *PgTokenStore) Release(ctx context.Context, token, by string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resume_tokens
		SET consumed_at = NULL, consumed_by = NULL
		WHERE token = $1 AND consumed_by = $2 AND consumed_at IS NOT NULL`,
		token, by,
	)
	if err != nil {
		return fmt.Errorf("resume: release token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("resume token %q is not held by %q", token, by))
	}
	return nil
}

// Unconsumed implements TokenStore.
func (s *PgTokenStore) Unconsumed(ctx context.Context, instanceID, waitPoint string) (model.ResumeToken, error) {
	t, err := s.scanToken(s.pool.QueryRow(ctx,
		tokenSelect+` WHERE instance_id = $1 AND wait_point = $2 AND consumed_at IS NULL`,
		instanceID, waitPoint,
	))
	if model.IsCode(err, model.ErrNotFound) {
		return model.ResumeToken{}, model.NewNotFoundError(
			fmt.Sprintf("no open resume token for instance %q at %q", instanceID, waitPoint),
		)
	}
	return t, err
}

// HealthCheck verifies database connectivity.
func (s *PgTokenStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const tokenSelect = `
	SELECT token, instance_id, wait_point, issued_at, consumed_at, COALESCE(consumed_by, '')
	FROM resume_tokens`

func (s *PgTokenStore) scanToken(row pgx.Row) (model.ResumeToken, error) {
	var t model.ResumeToken
	err := row.Scan(&t.Token, &t.InstanceID, &t.WaitPoint, &t.IssuedAt, &t.ConsumedAt, &t.ConsumedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ResumeToken{}, model.NewNotFoundError("resume token not found")
	}
	if err != nil {
		return model.ResumeToken{}, fmt.Errorf("resume: scan token: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
