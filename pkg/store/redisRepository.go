package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, all keys under a configurable prefix P:
//
//	{P}:rec:<id>   hash holding the record fields
//	{P}:pending    zset scored by next_attempt_at (ms); members "<captured_at:020>:<id>"
//	{P}:inflight   zset of ids scored by leased_at (ms)
//	{P}:delivered  zset of ids scored by finished_at (ms)
//	{P}:dead       zset of ids scored by finished_at (ms)
//
// The braces are a Redis Cluster hash tag. The scripts derive record keys from
// ARGV, so every key must hash to the same slot.
//
// Durability depends on the server running with appendonly yes / appendfsync always.

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'sender', ARGV[2], 'body', ARGV[3], 'captured_at', ARGV[4],
    'device_id', ARGV[5], 'owner_id', ARGV[6], 'updated_at', ARGV[8])
  local old = redis.call('HGET', KEYS[1], 'member')
  if old and old ~= ARGV[9] then
    local score = redis.call('ZSCORE', KEYS[2], old)
    if score then
      redis.call('ZREM', KEYS[2], old)
      redis.call('ZADD', KEYS[2], score, ARGV[9])
    end
  end
  redis.call('HSET', KEYS[1], 'member', ARGV[9])
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'sender', ARGV[2], 'body', ARGV[3], 'captured_at', ARGV[4],
  'device_id', ARGV[5], 'owner_id', ARGV[6], 'attempt_count', ARGV[10], 'next_attempt_at', ARGV[7],
  'state', 'PENDING', 'leased_at', '', 'finished_at', '', 'last_error', '',
  'created_at', ARGV[8], 'updated_at', ARGV[8], 'member', ARGV[9])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[9])
return 1
`)

var leaseScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #items == 0 then
  return false
end
local member = items[1]
local id = string.sub(member, 22)
local key = ARGV[2] .. id
redis.call('ZREM', KEYS[1], member)
redis.call('HSET', key, 'state', 'IN_FLIGHT', 'leased_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempt_count', 1)
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'IN_FLIGHT' then
  return state
end
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'leased_at', '', 'updated_at', ARGV[3], 'last_error', ARGV[4])
if ARGV[1] == 'PENDING' then
  redis.call('HSET', KEYS[1], 'next_attempt_at', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[2], redis.call('HGET', KEYS[1], 'member'))
else
  redis.call('HSET', KEYS[1], 'finished_at', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
end
return 1
`)

var releaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local released = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'state') == 'IN_FLIGHT' then
    redis.call('HSET', key, 'state', 'PENDING', 'leased_at', '', 'updated_at', ARGV[3])
    redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'next_attempt_at'), redis.call('HGET', key, 'member'))
    released = released + 1
  end
end
return released
`)

var reapScript = redis.NewScript(`
local reaped = 0
for i, zkey in ipairs(KEYS) do
  local ids = redis.call('ZRANGEBYSCORE', zkey, '-inf', ARGV[i])
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[3] .. id)
    redis.call('ZREM', zkey, id)
    reaped = reaped + 1
  end
end
return reaped
`)

// memberIDOffset is the length of the "{captured_at:020}:" member prefix.
const memberIDOffset = 21

type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	prefix = strings.Trim(prefix, "{}")
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisRepository{client: client, prefix: "{" + prefix + "}"}
}

func (r *RedisRepository) recordKey(id string) string { return r.recordPrefix() + id }
func (r *RedisRepository) recordPrefix() string      { return r.prefix + ":rec:" }
func (r *RedisRepository) stateKey(state State) string {
	switch state {
	case StatePending:
		return r.prefix + ":pending"
	case StateInFlight:
		return r.prefix + ":inflight"
	case StateDelivered:
		return r.prefix + ":delivered"
	default:
		return r.prefix + ":dead"
	}
}

func pendingMember(capturedAt int64, id string) string {
	return fmt.Sprintf("%020d:%s", capturedAt, id)
}

func (r *RedisRepository) Enqueue(ctx context.Context, rec *TransportRecord) (err error) {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "redis", "Enqueue")
	started := time.Now()
	var inserted int64
	defer func() { endSpan(span, started, inserted, err) }()

	inserted, err = enqueueScript.Run(ctx, r.client,
		[]string{r.recordKey(rec.ID), r.stateKey(StatePending)},
		rec.ID, rec.Sender, rec.Body, rec.CapturedAt, rec.DeviceID, rec.OwnerID,
		rec.NextAttemptAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), pendingMember(rec.CapturedAt, rec.ID), rec.AttemptCount,
	).Int64()
	return err
}

func (r *RedisRepository) LeaseNext(ctx context.Context, now time.Time) (rec *TransportRecord, err error) {
	ctx, span := startSpan(ctx, "redis", "LeaseNext")
	started := time.Now()
	defer func() {
		var affected int64
		if rec != nil {
			affected = 1
		}
		endSpan(span, started, affected, err)
	}()

	id, err := leaseScript.Run(ctx, r.client,
		[]string{r.stateKey(StatePending), r.stateKey(StateInFlight)},
		now.UnixMilli(), r.recordPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.load(ctx, id)
}

func (r *RedisRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.finishLease(ctx, "MarkDelivered", id, StateDelivered, at.UnixMilli(), "")
}

func (r *RedisRepository) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	return r.finishLease(ctx, "MarkFailed", id, StatePending, nextAttemptAt.UnixMilli(), lastErr)
}

func (r *RedisRepository) MarkDead(ctx context.Context, id string, at time.Time, lastErr string) error {
	return r.finishLease(ctx, "MarkDead", id, StateDead, at.UnixMilli(), lastErr)
}

func (r *RedisRepository) finishLease(ctx context.Context, op, id string, next State, score int64, lastErr string) (err error) {
	ctx, span := startSpan(ctx, "redis", op)
	started := time.Now()
	var affected int64
	defer func() { endSpan(span, started, affected, err) }()

	res, err := finishScript.Run(ctx, r.client,
		[]string{r.recordKey(id), r.stateKey(StateInFlight), r.stateKey(next)},
		string(next), score, time.Now().UnixMilli(), lastErr, id,
	).Result()
	if err != nil {
		return err
	}
	switch v := res.(type) {
	case int64:
		if v == 1 {
			affected = 1
			return nil
		}
		return &UnknownRecordError{ID: id}
	case string:
		return &UnknownRecordError{ID: id, State: State(v)}
	default:
		return fmt.Errorf("unexpected redis reply %T", res)
	}
}

func (r *RedisRepository) ReapExpired(ctx context.Context, now time.Time, policy RetentionPolicy) (n int64, err error) {
	ctx, span := startSpan(ctx, "redis", "ReapExpired")
	started := time.Now()
	defer func() { endSpan(span, started, n, err) }()

	return reapScript.Run(ctx, r.client,
		[]string{r.stateKey(StateDelivered), r.stateKey(StateDead)},
		now.Add(-policy.DeliveredGrace).UnixMilli(), now.Add(-policy.DeadRetention).UnixMilli(), r.recordPrefix(),
	).Int64()
}

func (r *RedisRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	return r.releaseLeases(ctx, "RecoverInFlight", "+inf")
}

func (r *RedisRepository) ReleaseExpiredLeases(ctx context.Context, leasedBefore time.Time) (int64, error) {
	return r.releaseLeases(ctx, "ReleaseExpiredLeases", strconv.FormatInt(leasedBefore.UnixMilli(), 10))
}

func (r *RedisRepository) releaseLeases(ctx context.Context, op, maxScore string) (n int64, err error) {
	ctx, span := startSpan(ctx, "redis", op)
	started := time.Now()
	defer func() { endSpan(span, started, n, err) }()

	return releaseScript.Run(ctx, r.client,
		[]string{r.stateKey(StateInFlight), r.stateKey(StatePending)},
		maxScore, r.recordPrefix(), time.Now().UnixMilli(),
	).Int64()
}

func (r *RedisRepository) Get(ctx context.Context, id string) (rec *TransportRecord, err error) {
	ctx, span := startSpan(ctx, "redis", "Get")
	started := time.Now()
	defer func() { endSpan(span, started, 0, err) }()

	return r.load(ctx, id)
}

func (r *RedisRepository) List(ctx context.Context, filter ListFilter) (records []TransportRecord, err error) {
	ctx, span := startSpan(ctx, "redis", "List")
	started := time.Now()
	defer func() { endSpan(span, started, int64(len(records)), err) }()

	limit := filter.limit()
	states := []State{StatePending, StateInFlight, StateDelivered, StateDead}
	if filter.State != "" {
		states = []State{filter.State}
	}

	var ids []string
	for _, state := range states {
		members, err := r.client.ZRange(ctx, r.stateKey(state), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			if state == StatePending && len(member) > memberIDOffset {
				member = member[memberIDOffset:]
			}
			ids = append(ids, member)
		}
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := redisRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DequeuesBefore(&records[j])
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) load(ctx context.Context, id string) (*TransportRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &UnknownRecordError{ID: id}
	}
	return redisRecord(fields)
}

func redisRecord(fields map[string]string) (*TransportRecord, error) {
	rec := &TransportRecord{
		ID:        fields["id"],
		Sender:    fields["sender"],
		Body:      fields["body"],
		DeviceID:  fields["device_id"],
		OwnerID:   fields["owner_id"],
		LastError: fields["last_error"],
	}

	var err error
	if rec.State, err = ParseState(fields["state"]); err != nil {
		return nil, err
	}
	if rec.CapturedAt, err = strconv.ParseInt(fields["captured_at"], 10, 64); err != nil {
		return nil, fmt.Errorf("captured_at: %w", err)
	}
	if rec.AttemptCount, err = strconv.Atoi(fields["attempt_count"]); err != nil {
		return nil, fmt.Errorf("attempt_count: %w", err)
	}
	for name, dst := range map[string]*time.Time{
		"next_attempt_at": &rec.NextAttemptAt,
		"created_at":      &rec.CreatedAt,
		"updated_at":      &rec.UpdatedAt,
	} {
		ms, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*dst = time.UnixMilli(ms).UTC()
	}
	if rec.LeasedAt, err = optionalMillis(fields["leased_at"]); err != nil {
		return nil, fmt.Errorf("leased_at: %w", err)
	}
	if rec.FinishedAt, err = optionalMillis(fields["finished_at"]); err != nil {
		return nil, fmt.Errorf("finished_at: %w", err)
	}
	return rec, nil
}

func optionalMillis(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return timePtr(time.UnixMilli(ms)), nil
}
