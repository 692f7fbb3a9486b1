package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const recordColumns = `id, sender, body, captured_at, device_id, owner_id, attempt_count, next_attempt_at, state, leased_at, finished_at, last_error, created_at, updated_at`

type PostgresRepository struct {
	db    *sql.DB // using database/sql
	table string  // quoted identifier
}

func NewPostgresRepository(db *sql.DB, table string) *PostgresRepository {
	if table == "" {
		table = "sms_outbox"
	}
	return &PostgresRepository{db: db, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema creates the outbox table and its dequeue index when missing.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	captured_at BIGINT NOT NULL,
	device_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL,
	leased_at TIMESTAMPTZ NULL,
	finished_at TIMESTAMPTZ NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (state, next_attempt_at, captured_at);`,
		p.table, pq.QuoteIdentifier(unquote(p.table)+"_dequeue_idx")))
	return err
}

func (p *PostgresRepository) Enqueue(ctx context.Context, rec *TransportRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return p.withTransaction(ctx, "Enqueue", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, sender, body, captured_at, device_id, owner_id, attempt_count, next_attempt_at, state, last_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $10)
			 ON CONFLICT (id) DO UPDATE SET sender = EXCLUDED.sender, body = EXCLUDED.body, captured_at = EXCLUDED.captured_at,
			 device_id = EXCLUDED.device_id, owner_id = EXCLUDED.owner_id, updated_at = EXCLUDED.updated_at`, p.table),
			rec.ID, rec.Sender, rec.Body, rec.CapturedAt, rec.DeviceID, rec.OwnerID,
			rec.AttemptCount, rec.NextAttemptAt.UTC(), StatePending, rec.UpdatedAt.UTC())
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

func (p *PostgresRepository) LeaseNext(ctx context.Context, now time.Time) (*TransportRecord, error) {
	var leased *TransportRecord
	err := p.withTransaction(ctx, "LeaseNext", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`UPDATE %[1]s SET state = $1, attempt_count = attempt_count + 1, leased_at = $2, updated_at = $2
			 WHERE id = (SELECT id FROM %[1]s WHERE state = $3 AND next_attempt_at <= $2
			 ORDER BY next_attempt_at ASC, captured_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED)
			 RETURNING %[2]s`, p.table, recordColumns),
			StateInFlight, now.UTC(), StatePending)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		leased = rec
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (p *PostgresRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return p.finishLease(ctx, "MarkDelivered", id, fmt.Sprintf(
		`UPDATE %s SET state = $1, finished_at = $2, leased_at = NULL, last_error = '', updated_at = $2 WHERE id = $3 AND state = $4`, p.table),
		StateDelivered, at.UTC(), id, StateInFlight)
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	return p.finishLease(ctx, "MarkFailed", id, fmt.Sprintf(
		`UPDATE %s SET state = $1, next_attempt_at = $2, leased_at = NULL, last_error = $3, updated_at = $4 WHERE id = $5 AND state = $6`, p.table),
		StatePending, nextAttemptAt.UTC(), lastErr, time.Now().UTC(), id, StateInFlight)
}

func (p *PostgresRepository) MarkDead(ctx context.Context, id string, at time.Time, lastErr string) error {
	return p.finishLease(ctx, "MarkDead", id, fmt.Sprintf(
		`UPDATE %s SET state = $1, finished_at = $2, leased_at = NULL, last_error = $3, updated_at = $2 WHERE id = $4 AND state = $5`, p.table),
		StateDead, at.UTC(), lastErr, id, StateInFlight)
}

// finishLease runs a conditional transition out of IN_FLIGHT and reports why it
// matched nothing.
func (p *PostgresRepository) finishLease(ctx context.Context, op, id, query string, args ...any) error {
	return p.withTransaction(ctx, op, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}

		var current string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE id = $1`, p.table), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &UnknownRecordError{ID: id}
		}
		if err != nil {
			return 0, err
		}
		return 0, &UnknownRecordError{ID: id, State: State(current)}
	})
}

func (p *PostgresRepository) ReapExpired(ctx context.Context, now time.Time, policy RetentionPolicy) (int64, error) {
	var reaped int64
	err := p.withTransaction(ctx, "ReapExpired", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE (state = $1 AND finished_at <= $2) OR (state = $3 AND finished_at <= $4)`, p.table),
			StateDelivered, now.Add(-policy.DeliveredGrace).UTC(), StateDead, now.Add(-policy.DeadRetention).UTC())
		if err != nil {
			return 0, err
		}
		reaped, err = res.RowsAffected()
		return reaped, err
	})
	return reaped, err
}

func (p *PostgresRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	var released int64
	err := p.withTransaction(ctx, "RecoverInFlight", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET state = $1, leased_at = NULL, updated_at = $2 WHERE state = $3`, p.table),
			StatePending, time.Now().UTC(), StateInFlight)
		if err != nil {
			return 0, err
		}
		released, err = res.RowsAffected()
		return released, err
	})
	return released, err
}

func (p *PostgresRepository) ReleaseExpiredLeases(ctx context.Context, leasedBefore time.Time) (int64, error) {
	var released int64
	err := p.withTransaction(ctx, "ReleaseExpiredLeases", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET state = $1, leased_at = NULL, updated_at = $2 WHERE state = $3 AND leased_at <= $4`, p.table),
			StatePending, time.Now().UTC(), StateInFlight, leasedBefore.UTC())
		if err != nil {
			return 0, err
		}
		released, err = res.RowsAffected()
		return released, err
	})
	return released, err
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*TransportRecord, error) {
	ctx, span := startSpan(ctx, "postgresql", "Get")
	started := time.Now()

	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, p.table), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = &UnknownRecordError{ID: id}
	}
	endSpan(span, started, 0, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]TransportRecord, error) {
	ctx, span := startSpan(ctx, "postgresql", "List")
	started := time.Now()

	var (
		rows *sql.Rows
		err  error
	)
	if filter.State != "" {
		rows, err = p.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE state = $1 ORDER BY next_attempt_at ASC, captured_at ASC LIMIT $2`, recordColumns, p.table),
			filter.State, filter.limit())
	} else {
		rows, err = p.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s FROM %s ORDER BY next_attempt_at ASC, captured_at ASC LIMIT $1`, recordColumns, p.table),
			filter.limit())
	}
	if err != nil {
		endSpan(span, started, 0, err)
		return nil, err
	}
	defer rows.Close()

	var records []TransportRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			endSpan(span, started, int64(len(records)), err)
			return nil, err
		}
		records = append(records, *rec)
	}
	err = rows.Err()
	endSpan(span, started, int64(len(records)), err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int64, error)) (err error) {
	ctx, span := startSpan(ctx, "postgresql", spanName)
	started := time.Now()
	var affected int64
	defer func() { endSpan(span, started, affected, err) }()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	affected, err = fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransportRecord, error) {
	var (
		rec      TransportRecord
		state    string
		leased   sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Sender, &rec.Body, &rec.CapturedAt, &rec.DeviceID, &rec.OwnerID,
		&rec.AttemptCount, &rec.NextAttemptAt, &state, &leased, &finished, &rec.LastError,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.State, err = ParseState(state); err != nil {
		return nil, err
	}
	if leased.Valid {
		rec.LeasedAt = timePtr(leased.Time)
	}
	if finished.Valid {
		rec.FinishedAt = timePtr(finished.Time)
	}
	return &rec, nil
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
