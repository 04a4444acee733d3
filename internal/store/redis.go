package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// Redis key layout. The pending queue is a ZSET scored by scheduled time
// (unix milli); job payloads live in a companion hash so the ZSET member
// stays a stable (campaignId:contactId) key and enqueue can be idempotent.
const (
	keyPending  = "dispatch:pending"
	keyPayload  = "dispatch:payload"
	keyInFlight = "dispatch:inflight"
	keyClaims   = "dispatch:claims"
	keyErrors   = "dispatch:errors"
)

// enqueue is a no-op when a live copy exists in pending or in-flight.
// KEYS: pending, payload, inflight. ARGV: member, score, payload.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then return 0 end
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// popDue moves up to ARGV[2] due members from pending into in-flight,
// stamping each claim. Returns a flat [member, payload, ...] array. Running
// as one script is what makes concurrent dispatchers never pop the same job.
// KEYS: pending, payload, inflight, claims. ARGV: now-score, limit, now-milli.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local payload = redis.call('HGET', KEYS[2], member)
  redis.call('HDEL', KEYS[2], member)
  if payload then
    redis.call('HSET', KEYS[3], member, payload)
    redis.call('HSET', KEYS[4], member, ARGV[3])
    out[#out+1] = member
    out[#out+1] = payload
  end
end
return out
`)

// failInFlight parks an in-flight member on the error list.
// KEYS: inflight, claims, errors. ARGV: member, errorEntry.
var failScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[2])
return 1
`)

// requeue moves a member from in-flight back to pending. If a live pending
// copy already exists the re-insert is skipped, so two reapers racing on the
// same stuck job requeue it exactly once.
// KEYS: pending, payload, inflight, claims. ARGV: member, score, payload.
var requeueScript = redis.NewScript(`
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// removeCampaign drops every pending member with the campaign prefix.
// KEYS: pending, payload. ARGV: prefix.
var removeCampaignScript = redis.NewScript(`
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = 0
for _, member in ipairs(members) do
  if string.sub(member, 1, string.len(ARGV[1])) == ARGV[1] then
    redis.call('ZREM', KEYS[1], member)
    redis.call('HDEL', KEYS[2], member)
    removed = removed + 1
  end
end
return removed
`)

// RedisWorkStore is the durable WorkStore shared by all dispatcher replicas.
type RedisWorkStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisWorkStore(rdb *redis.Client, log zerolog.Logger) *RedisWorkStore {
	return &RedisWorkStore{rdb: rdb, log: log.With().Str("component", "workstore").Logger()}
}

func (s *RedisWorkStore) Enqueue(ctx context.Context, job model.DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return enqueueScript.Run(ctx, s.rdb,
		[]string{keyPending, keyPayload, keyInFlight},
		job.Key(), job.ScheduledTime.UnixMilli(), payload,
	).Err()
}

func (s *RedisWorkStore) PopDue(ctx context.Context, maxCount int, now time.Time) ([]model.DispatchJob, error) {
	res, err := popDueScript.Run(ctx, s.rdb,
		[]string{keyPending, keyPayload, keyInFlight, keyClaims},
		now.UnixMilli(), maxCount, now.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, err
	}

	jobs := make([]model.DispatchJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		member, _ := res[i].(string)
		raw, _ := res[i+1].(string)
		var job model.DispatchJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Corrupt entry: park it on the error list, never drop it.
			s.log.Error().Str("member", member).Err(err).Msg("corrupt job payload, moving to error list")
			if ferr := s.failRaw(ctx, member, raw, "corrupt payload: "+err.Error()); ferr != nil {
				return jobs, ferr
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisWorkStore) failRaw(ctx context.Context, member, raw, reason string) error {
	entry, err := json.Marshal(ErrorEntry{Raw: raw, Reason: reason, FailedAt: time.Now()})
	if err != nil {
		return err
	}
	return failScript.Run(ctx, s.rdb,
		[]string{keyInFlight, keyClaims, keyErrors},
		member, entry,
	).Err()
}

func (s *RedisWorkStore) CompleteInFlight(ctx context.Context, job model.DispatchJob) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyInFlight, job.Key())
	pipe.HDel(ctx, keyClaims, job.Key())
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisWorkStore) FailInFlight(ctx context.Context, job model.DispatchJob, reason string) error {
	j := job
	entry, err := json.Marshal(ErrorEntry{Job: &j, Reason: reason, FailedAt: time.Now()})
	if err != nil {
		return err
	}
	return failScript.Run(ctx, s.rdb,
		[]string{keyInFlight, keyClaims, keyErrors},
		job.Key(), entry,
	).Err()
}

func (s *RedisWorkStore) Requeue(ctx context.Context, job model.DispatchJob, at time.Time) error {
	job.ScheduledTime = at
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return requeueScript.Run(ctx, s.rdb,
		[]string{keyPending, keyPayload, keyInFlight, keyClaims},
		job.Key(), at.UnixMilli(), payload,
	).Err()
}

func (s *RedisWorkStore) RemoveCampaign(ctx context.Context, campaignID int) (int, error) {
	removed, err := removeCampaignScript.Run(ctx, s.rdb,
		[]string{keyPending, keyPayload},
		strconv.Itoa(campaignID)+":",
	).Int()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *RedisWorkStore) StaleInFlight(ctx context.Context, olderThan time.Time) ([]model.DispatchJob, error) {
	claims, err := s.rdb.HGetAll(ctx, keyClaims).Result()
	if err != nil {
		return nil, err
	}

	var stale []model.DispatchJob
	cutoff := olderThan.UnixMilli()
	for member, claimed := range claims {
		ms, err := strconv.ParseInt(claimed, 10, 64)
		if err != nil || ms >= cutoff {
			continue
		}
		raw, err := s.rdb.HGet(ctx, keyInFlight, member).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job model.DispatchJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			if ferr := s.failRaw(ctx, member, raw, "corrupt payload: "+err.Error()); ferr != nil {
				return stale, ferr
			}
			continue
		}
		stale = append(stale, job)
	}
	return stale, nil
}

func (s *RedisWorkStore) AllInFlight(ctx context.Context) ([]model.DispatchJob, error) {
	entries, err := s.rdb.HGetAll(ctx, keyInFlight).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]model.DispatchJob, 0, len(entries))
	for member, raw := range entries {
		var job model.DispatchJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			if ferr := s.failRaw(ctx, member, raw, "corrupt payload: "+err.Error()); ferr != nil {
				return jobs, ferr
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisWorkStore) SnapshotSizes(ctx context.Context) (Sizes, error) {
	pipe := s.rdb.TxPipeline()
	pending := pipe.ZCard(ctx, keyPending)
	inflight := pipe.HLen(ctx, keyInFlight)
	errs := pipe.LLen(ctx, keyErrors)
	if _, err := pipe.Exec(ctx); err != nil {
		return Sizes{}, err
	}
	return Sizes{
		Pending:  int(pending.Val()),
		InFlight: int(inflight.Val()),
		Errors:   int(errs.Val()),
	}, nil
}

// ErrorEntries returns up to limit entries from the error list, newest first.
func (s *RedisWorkStore) ErrorEntries(ctx context.Context, limit int) ([]ErrorEntry, error) {
	raws, err := s.rdb.LRange(ctx, keyErrors, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]ErrorEntry, 0, len(raws))
	for _, raw := range raws {
		var e ErrorEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return entries, fmt.Errorf("decode error entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ WorkStore = (*RedisWorkStore)(nil)
