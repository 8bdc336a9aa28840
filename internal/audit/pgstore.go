package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillgate/quillgate/model"
)

// Querier is the subset of pgx operations AppendTx needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so other pg stores can append audit rows inside
// their own transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// appendRetries bounds the sequence-collision retry loop under concurrent
// writers to the same entity.
const appendRetries = 5

// PgStore is a PostgreSQL-backed audit Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL audit store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Append writes a new event in its own transaction.
func (s *PgStore) Append(ctx context.Context, event model.AuditEvent) (model.AuditEvent, error) {
	var out model.AuditEvent
	for i := 0; i < appendRetries; i++ {
		e, err := AppendTx(ctx, s.pool, event)
		if err == nil {
			return e, nil
		}
		if !isUniqueViolation(err) {
			return model.AuditEvent{}, err
		}
		out = e
	}
	_ = out
	return model.AuditEvent{}, fmt.Errorf("audit: sequence contention for entity %q", event.EntityID)
}

// AppendTx inserts one event using q, assigning sequence = max+1 for the
// entity. The (entity_id, sequence) unique constraint keeps sequences
// gapless: a concurrent writer racing to the same number gets a unique
// violation and must retry. Callers inside a transaction that already holds
// a row lock on the owning entity will not race.
func AppendTx(ctx context.Context, q Querier, event model.AuditEvent) (model.AuditEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: marshal metadata: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO audit_events (
			id, entity_id, sequence, action, actor_id,
			before_state, after_state, metadata, created_at
		)
		SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3, $4, $5, $6, $7, $8
		FROM audit_events WHERE entity_id = $2
		RETURNING sequence`,
		event.ID, event.EntityID, event.Action, event.ActorID,
		event.BeforeState, event.AfterState, metaJSON, event.Timestamp,
	).Scan(&event.Sequence)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: insert event: %w", err)
	}
	return event, nil
}

// History returns all events for an entity ordered by sequence number.
func (s *PgStore) History(ctx context.Context, entityID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_id, sequence, action, actor_id,
		       before_state, after_state, metadata, created_at
		FROM audit_events
		WHERE entity_id = $1
		ORDER BY sequence ASC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var evt model.AuditEvent
		var metaJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.EntityID, &evt.Sequence, &evt.Action, &evt.ActorID,
			&evt.BeforeState, &evt.AfterState, &metaJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &evt.Metadata)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
