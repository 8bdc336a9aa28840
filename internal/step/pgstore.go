package step

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillgate/quillgate/model"
)

// PgAttemptStore is a PostgreSQL-backed AttemptStore using pgx/v5.
type PgAttemptStore struct {
	pool *pgxpool.Pool
}

// NewPgAttemptStore creates a new PostgreSQL attempt store.
func NewPgAttemptStore(pool *pgxpool.Pool) *PgAttemptStore {
	return &PgAttemptStore{pool: pool}
}

// Begin implements AttemptStore. The attempt number is assigned from the
// current max for (instance, step); the unique index keeps numbers strictly
// increasing even under concurrent writers.
func (s *PgAttemptStore) Begin(ctx context.Context, instanceID, stepName string) (model.StepAttempt, error) {
	attempt := model.StepAttempt{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		StepName:   stepName,
		StartedAt:  time.Now().UTC(),
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO step_attempts (id, instance_id, step_name, attempt, started_at)
		SELECT $1, $2, $3, COALESCE(MAX(attempt), 0) + 1, $4
		FROM step_attempts WHERE instance_id = $2 AND step_name = $3
		RETURNING attempt`,
		attempt.ID, instanceID, stepName, attempt.StartedAt,
	).Scan(&attempt.Attempt)
	if err != nil {
		return model.StepAttempt{}, fmt.Errorf("step: insert attempt: %w", err)
	}
	return attempt, nil
}

// Finish implements AttemptStore.
func (s *PgAttemptStore) Finish(ctx context.Context, attemptID, outcome, errDetail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_attempts SET outcome = $1, error_detail = $2, ended_at = $3
		WHERE id = $4 AND outcome IS NULL`,
		outcome, errDetail, time.Now().UTC(), attemptID,
	)
	if err != nil {
		return fmt.Errorf("step: finish attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("attempt %q missing or already finalized", attemptID))
	}
	return nil
}

// Open implements AttemptStore.
func (s *PgAttemptStore) Open(ctx context.Context, instanceID string) ([]model.StepAttempt, error) {
	return s.query(ctx, `
		SELECT id, instance_id, step_name, attempt, outcome, error_detail, started_at, ended_at
		FROM step_attempts
		WHERE instance_id = $1 AND outcome IS NULL
		ORDER BY started_at ASC`, instanceID)
}

// Succeeded implements AttemptStore.
func (s *PgAttemptStore) Succeeded(ctx context.Context, instanceID, stepName string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM step_attempts
			WHERE instance_id = $1 AND step_name = $2 AND outcome = $3
		)`,
		instanceID, stepName, model.AttemptOutcomeSuccess,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("step: check success: %w", err)
	}
	return ok, nil
}

// History implements AttemptStore.
func (s *PgAttemptStore) History(ctx context.Context, instanceID string) ([]model.StepAttempt, error) {
	return s.query(ctx, `
		SELECT id, instance_id, step_name, attempt, outcome, error_detail, started_at, ended_at
		FROM step_attempts
		WHERE instance_id = $1
		ORDER BY started_at ASC`, instanceID)
}

func (s *PgAttemptStore) query(ctx context.Context, sql string, args ...any) ([]model.StepAttempt, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("step: query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.StepAttempt
	for rows.Next() {
		var a model.StepAttempt
		var outcome, errDetail *string
		if err := rows.Scan(
			&a.ID, &a.InstanceID, &a.StepName, &a.Attempt,
			&outcome, &errDetail, &a.StartedAt, &a.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("step: scan attempt: %w", err)
		}
		if outcome != nil {
			a.Outcome = *outcome
		}
		if errDetail != nil {
			a.ErrorDetail = *errDetail
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
