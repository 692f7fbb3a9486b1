package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/api/iterator"
)

// Reads go through SQL, every write is a buffered mutation applied at commit.

type SpannerRepository struct {
	client *spanner.Client
	table  string
}

func NewSpannerRepository(client *spanner.Client, table string) *SpannerRepository {
	return &SpannerRepository{client: client, table: spannerTable(table)}
}

func spannerTable(table string) string {
	if table == "" {
		return "sms_outbox"
	}
	return table
}

// spannerDDL creates the outbox table and its dequeue index.
func spannerDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id STRING(MAX) NOT NULL,
	sender STRING(MAX) NOT NULL,
	body STRING(MAX) NOT NULL,
	captured_at INT64 NOT NULL,
	device_id STRING(MAX) NOT NULL,
	owner_id STRING(MAX) NOT NULL,
	attempt_count INT64 NOT NULL,
	next_attempt_at TIMESTAMP NOT NULL,
	state STRING(16) NOT NULL,
	leased_at TIMESTAMP,
	finished_at TIMESTAMP,
	last_error STRING(MAX) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
) PRIMARY KEY (id)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_dequeue_idx ON %[1]s (state, next_attempt_at, captured_at)`, table),
	}
}

// EnsureSpannerSchema applies the outbox DDL to dbURI through the database admin API.
var EnsureSpannerSchema = func(ctx context.Context, dbURI, table string) error {
	admin, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer admin.Close()

	op, err := admin.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   dbURI,
		Statements: spannerDDL(table),
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (s *SpannerRepository) Enqueue(ctx context.Context, rec *TransportRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.readWrite(ctx, "Enqueue", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error) {
		_, err := s.queryOne(ctx, txn, rec.ID)
		switch {
		case err == nil:
			// payload only, delivery state belongs to the worker that owns it
			return 1, txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table,
				[]string{"id", "sender", "body", "captured_at", "device_id", "owner_id", "updated_at"},
				[]interface{}{rec.ID, rec.Sender, rec.Body, rec.CapturedAt, rec.DeviceID, rec.OwnerID, rec.UpdatedAt.UTC()},
			)})
		case errors.Is(err, ErrUnknownRecord):
			stored := rec.Clone()
			stored.State = StatePending
			return 1, txn.BufferWrite([]*spanner.Mutation{s.insertMutation(stored)})
		default:
			return 0, err
		}
	})
}

func (s *SpannerRepository) LeaseNext(ctx context.Context, now time.Time) (*TransportRecord, error) {
	var leased *TransportRecord
	err := s.readWrite(ctx, "LeaseNext", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error) {
		leased = nil
		records, err := s.queryRecords(ctx, txn, spanner.Statement{
			SQL: `SELECT ` + recordColumns + ` FROM ` + s.table + ` WHERE state = @pending AND next_attempt_at <= @now
			      ORDER BY next_attempt_at ASC, captured_at ASC, id ASC LIMIT 1`,
			Params: map[string]interface{}{
				"pending": string(StatePending),
				"now":     now.UTC(),
			},
		})
		if err != nil || len(records) == 0 {
			return 0, err
		}

		rec := records[0]
		rec.State = StateInFlight
		rec.AttemptCount++
		rec.LeasedAt = timePtr(now)
		rec.UpdatedAt = now.UTC()
		if err := txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table,
			[]string{"id", "state", "attempt_count", "leased_at", "updated_at"},
			[]interface{}{rec.ID, string(rec.State), int64(rec.AttemptCount), *rec.LeasedAt, rec.UpdatedAt},
		)}); err != nil {
			return 0, err
		}
		leased = &rec
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *SpannerRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.finishLease(ctx, "MarkDelivered", id,
		[]string{"id", "state", "finished_at", "leased_at", "last_error", "updated_at"},
		[]interface{}{id, string(StateDelivered), at.UTC(), spanner.NullTime{}, "", at.UTC()})
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	return s.finishLease(ctx, "MarkFailed", id,
		[]string{"id", "state", "next_attempt_at", "leased_at", "last_error", "updated_at"},
		[]interface{}{id, string(StatePending), nextAttemptAt.UTC(), spanner.NullTime{}, lastErr, time.Now().UTC()})
}

func (s *SpannerRepository) MarkDead(ctx context.Context, id string, at time.Time, lastErr string) error {
	return s.finishLease(ctx, "MarkDead", id,
		[]string{"id", "state", "finished_at", "leased_at", "last_error", "updated_at"},
		[]interface{}{id, string(StateDead), at.UTC(), spanner.NullTime{}, lastErr, at.UTC()})
}

// finishLease writes cols only while id is still IN_FLIGHT.
func (s *SpannerRepository) finishLease(ctx context.Context, op, id string, cols []string, vals []interface{}) error {
	return s.readWrite(ctx, op, func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error) {
		rec, err := s.queryOne(ctx, txn, id)
		if err != nil {
			return 0, err
		}
		if rec.State != StateInFlight {
			return 0, &UnknownRecordError{ID: id, State: rec.State}
		}
		return 1, txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table, cols, vals)})
	})
}

func (s *SpannerRepository) ReapExpired(ctx context.Context, now time.Time, policy RetentionPolicy) (int64, error) {
	var reaped int64
	err := s.readWrite(ctx, "ReapExpired", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error) {
		reaped = 0
		iter := txn.Query(ctx, spanner.Statement{
			SQL: `SELECT id FROM ` + s.table + ` WHERE (state = @delivered AND finished_at <= @deliveredBefore)
			      OR (state = @dead AND finished_at <= @deadBefore)`,
			Params: map[string]interface{}{
				"delivered":       string(StateDelivered),
				"deliveredBefore": now.Add(-policy.DeliveredGrace).UTC(),
				"dead":            string(StateDead),
				"deadBefore":      now.Add(-policy.DeadRetention).UTC(),
			},
		})
		var deletes []*spanner.Mutation
		err := iter.Do(func(row *spanner.Row) error {
			var id string
			if err := row.Column(0, &id); err != nil {
				return err
			}
			deletes = append(deletes, spanner.Delete(s.table, spanner.Key{id}))
			return nil
		})
		if err != nil || len(deletes) == 0 {
			return 0, err
		}
		if err := txn.BufferWrite(deletes); err != nil {
			return 0, err
		}
		reaped = int64(len(deletes))
		return reaped, nil
	})
	return reaped, err
}

func (s *SpannerRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	return s.releaseLeases(ctx, "RecoverInFlight", `WHERE state = @inFlight`, nil)
}

func (s *SpannerRepository) ReleaseExpiredLeases(ctx context.Context, leasedBefore time.Time) (int64, error) {
	return s.releaseLeases(ctx, "ReleaseExpiredLeases", `WHERE state = @inFlight AND leased_at <= @leasedBefore`,
		map[string]interface{}{"leasedBefore": leasedBefore.UTC()})
}

func (s *SpannerRepository) releaseLeases(ctx context.Context, op, where string, params map[string]interface{}) (int64, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["inFlight"] = string(StateInFlight)

	var released int64
	err := s.readWrite(ctx, op, func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error) {
		released = 0
		records, err := s.queryRecords(ctx, txn, spanner.Statement{
			SQL:    `SELECT ` + recordColumns + ` FROM ` + s.table + ` ` + where,
			Params: params,
		})
		if err != nil || len(records) == 0 {
			return 0, err
		}

		now := time.Now().UTC()
		updates := make([]*spanner.Mutation, 0, len(records))
		for _, rec := range records {
			updates = append(updates, spanner.Update(s.table,
				[]string{"id", "state", "leased_at", "updated_at"},
				[]interface{}{rec.ID, string(StatePending), spanner.NullTime{}, now},
			))
		}
		if err := txn.BufferWrite(updates); err != nil {
			return 0, err
		}
		released = int64(len(updates))
		return released, nil
	})
	return released, err
}

func (s *SpannerRepository) Get(ctx context.Context, id string) (*TransportRecord, error) {
	ctx, span := startSpan(ctx, "spanner", "Get")
	started := time.Now()

	rec, err := s.queryOne(ctx, s.client.Single(), id)
	endSpan(span, started, 0, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SpannerRepository) List(ctx context.Context, filter ListFilter) ([]TransportRecord, error) {
	ctx, span := startSpan(ctx, "spanner", "List")
	started := time.Now()

	stmt := spanner.Statement{
		SQL:    `SELECT ` + recordColumns + ` FROM ` + s.table + ` ORDER BY next_attempt_at ASC, captured_at ASC, id ASC LIMIT @limit`,
		Params: map[string]interface{}{"limit": int64(filter.limit())},
	}
	if filter.State != "" {
		stmt.SQL = `SELECT ` + recordColumns + ` FROM ` + s.table + ` WHERE state = @state ORDER BY next_attempt_at ASC, captured_at ASC, id ASC LIMIT @limit`
		stmt.Params["state"] = string(filter.State)
	}

	records, err := s.queryRecords(ctx, s.client.Single(), stmt)
	endSpan(span, started, int64(len(records)), err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

type spannerQuerier interface {
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

func (s *SpannerRepository) queryRecords(ctx context.Context, q spannerQuerier, stmt spanner.Statement) ([]TransportRecord, error) {
	iter := q.Query(ctx, stmt)
	defer iter.Stop()

	var records []TransportRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := spannerRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
}

// queryOne reads a record by id. A missing record yields an UnknownRecordError.
func (s *SpannerRepository) queryOne(ctx context.Context, q spannerQuerier, id string) (*TransportRecord, error) {
	records, err := s.queryRecords(ctx, q, spanner.Statement{
		SQL:    `SELECT ` + recordColumns + ` FROM ` + s.table + ` WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &UnknownRecordError{ID: id}
	}
	return &records[0], nil
}

func (s *SpannerRepository) readWrite(ctx context.Context, op string, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int64, error)) error {
	ctx, span := startSpan(ctx, "spanner", op)
	started := time.Now()

	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := fn(ctx, txn)
		affected = n
		return err
	})
	endSpan(span, started, affected, err)
	return err
}

func (s *SpannerRepository) insertMutation(rec *TransportRecord) *spanner.Mutation {
	return spanner.Insert(s.table,
		[]string{"id", "sender", "body", "captured_at", "device_id", "owner_id", "attempt_count",
			"next_attempt_at", "state", "leased_at", "finished_at", "last_error", "created_at", "updated_at"},
		[]interface{}{rec.ID, rec.Sender, rec.Body, rec.CapturedAt, rec.DeviceID, rec.OwnerID, int64(rec.AttemptCount),
			rec.NextAttemptAt.UTC(), string(rec.State), nullTime(rec.LeasedAt), nullTime(rec.FinishedAt),
			rec.LastError, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()},
	)
}

func nullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: t.UTC(), Valid: true}
}

func spannerRecord(row *spanner.Row) (*TransportRecord, error) {
	var (
		rec      TransportRecord
		attempts int64
		state    string
		leased   spanner.NullTime
		finished spanner.NullTime
	)
	err := row.Columns(&rec.ID, &rec.Sender, &rec.Body, &rec.CapturedAt, &rec.DeviceID, &rec.OwnerID,
		&attempts, &rec.NextAttemptAt, &state, &leased, &finished, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.State, err = ParseState(state); err != nil {
		return nil, err
	}
	rec.AttemptCount = int(attempts)
	if leased.Valid {
		rec.LeasedAt = timePtr(leased.Time)
	}
	if finished.Valid {
		rec.FinishedAt = timePtr(finished.Time)
	}
	return &rec, nil
}
