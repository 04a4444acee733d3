package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/model"
)

const (
	keyStatePrefix = "dispatch:state:"
	keyStateIDs    = "dispatch:state:ids"
)

// incrProcessed bumps the counter and flips ACTIVE -> COMPLETED exactly when
// processed reaches total, all server-side so concurrent completions cannot
// lose updates or double-complete.
// KEYS: state hash. ARGV: delta, now-milli.
var incrProcessedScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return {} end
local p = redis.call('HINCRBY', KEYS[1], 'processed', ARGV[1])
redis.call('HSET', KEYS[1], 'lastProcessed', ARGV[2])
local t = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
if p >= t and st == 'ACTIVE' then
  redis.call('HSET', KEYS[1], 'status', 'COMPLETED')
  st = 'COMPLETED'
end
return {p, t, st}
`)

// setCurrentBatch only ever advances: completions from an earlier batch can
// land after a later batch has started.
// KEYS: state hash. ARGV: batch.
var setCurrentBatchScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'currentBatch') or '0')
local b = tonumber(ARGV[1])
if b > cur then
  redis.call('HSET', KEYS[1], 'currentBatch', b)
end
return 1
`)

// growTotal raises the total raise-only, so a stale caller can never shrink
// it below the processed counter.
// KEYS: state hash. ARGV: total.
var growTotalScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'total')
if not cur then return 0 end
if tonumber(ARGV[1]) > tonumber(cur) then
  redis.call('HSET', KEYS[1], 'total', ARGV[1])
end
return 1
`)

// setStatus refuses to move a campaign out of a terminal status.
// KEYS: state hash. ARGV: new status.
var setStatusScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return '' end
if st == 'COMPLETED' or st == 'CANCELED' then return st end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return ARGV[1]
`)

// RedisStateStore is the durable campaign state tracker, one hash per
// campaign (srk09sri-style progress hash with HIncrBy semantics).
type RedisStateStore struct {
	rdb *redis.Client
}

func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func stateKey(campaignID int) string {
	return keyStatePrefix + strconv.Itoa(campaignID)
}

func (s *RedisStateStore) Create(ctx context.Context, state model.CampaignState) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, stateKey(state.CampaignID), map[string]any{
		"status":        state.Status.String(),
		"total":         state.TotalContacts,
		"processed":     state.ProcessedContacts,
		"currentBatch":  state.CurrentBatch,
		"lastProcessed": state.LastProcessedTime.UnixMilli(),
		"createdAt":     state.CreatedAt.UnixMilli(),
	})
	pipe.SAdd(ctx, keyStateIDs, state.CampaignID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStateStore) Get(ctx context.Context, campaignID int) (model.CampaignState, error) {
	fields, err := s.rdb.HGetAll(ctx, stateKey(campaignID)).Result()
	if err != nil {
		return model.CampaignState{}, err
	}
	if len(fields) == 0 {
		return model.CampaignState{}, apperrors.NewCampaignNotFound(campaignID)
	}
	return parseState(campaignID, fields), nil
}

func parseState(campaignID int, fields map[string]string) model.CampaignState {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(fields[k])
		return n
	}
	ms := func(k string) time.Time {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	return model.CampaignState{
		CampaignID:        campaignID,
		Status:            model.CampaignStatus(fields["status"]),
		TotalContacts:     atoi("total"),
		ProcessedContacts: atoi("processed"),
		CurrentBatch:      atoi("currentBatch"),
		LastProcessedTime: ms("lastProcessed"),
		CreatedAt:         ms("createdAt"),
	}
}

func (s *RedisStateStore) IncrProcessed(ctx context.Context, campaignID, delta int, now time.Time) (model.CampaignState, error) {
	res, err := incrProcessedScript.Run(ctx, s.rdb,
		[]string{stateKey(campaignID)},
		delta, now.UnixMilli(),
	).Slice()
	if err != nil {
		return model.CampaignState{}, err
	}
	if len(res) != 3 {
		return model.CampaignState{}, apperrors.NewCampaignNotFound(campaignID)
	}

	processed, _ := res[0].(int64)
	total, _ := res[1].(int64)
	status, _ := res[2].(string)
	return model.CampaignState{
		CampaignID:        campaignID,
		Status:            model.CampaignStatus(status),
		TotalContacts:     int(total),
		ProcessedContacts: int(processed),
		LastProcessedTime: now,
	}, nil
}

func (s *RedisStateStore) SetStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error {
	got, err := setStatusScript.Run(ctx, s.rdb,
		[]string{stateKey(campaignID)},
		status.String(),
	).Text()
	if err != nil {
		return err
	}
	if got == "" {
		return apperrors.NewCampaignNotFound(campaignID)
	}
	if got != status.String() {
		return &apperrors.ErrInvalidTransition{CampaignID: campaignID, From: got, To: status.String()}
	}
	return nil
}

func (s *RedisStateStore) SetCurrentBatch(ctx context.Context, campaignID, batch int) error {
	return setCurrentBatchScript.Run(ctx, s.rdb, []string{stateKey(campaignID)}, batch).Err()
}

func (s *RedisStateStore) GrowTotal(ctx context.Context, campaignID, total int) error {
	found, err := growTotalScript.Run(ctx, s.rdb, []string{stateKey(campaignID)}, total).Int()
	if err != nil {
		return err
	}
	if found == 0 {
		return apperrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

func (s *RedisStateStore) List(ctx context.Context) ([]model.CampaignState, error) {
	ids, err := s.rdb.SMembers(ctx, keyStateIDs).Result()
	if err != nil {
		return nil, err
	}

	states := make([]model.CampaignState, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		state, err := s.Get(ctx, id)
		if err != nil {
			if _, notFound := err.(*apperrors.ErrCampaignNotFound); notFound {
				continue
			}
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, campaignID int) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, stateKey(campaignID))
	pipe.SRem(ctx, keyStateIDs, campaignID)
	_, err := pipe.Exec(ctx)
	return err
}

var _ StateStore = (*RedisStateStore)(nil)
