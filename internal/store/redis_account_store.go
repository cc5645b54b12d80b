package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// applyDeltaScript checks the container's sequence high-water mark and
// base total, then applies the delta in one step. It returns
// {outcome, objects, bytes, seq} with outcome 0 applied, 1 duplicate,
// 2 rebased.
//
// KEYS: account hash, container hash, container set
// ARGV: sequence, object delta, byte delta, container name, base objects, base bytes
var applyDeltaScript = redis.NewScript(`
local lastText = redis.call('HGET', KEYS[2], 'seq') or '0'
local last = tonumber(lastText)
local objects = tonumber(redis.call('HGET', KEYS[2], 'objects') or '0')
local bytes = tonumber(redis.call('HGET', KEYS[2], 'bytes') or '0')
if tonumber(ARGV[1]) <= last then
  return {1, objects, bytes, lastText}
end
if objects ~= tonumber(ARGV[5]) or bytes ~= tonumber(ARGV[6]) then
  return {2, objects, bytes, lastText}
end
redis.call('HSET', KEYS[2], 'seq', ARGV[1])
objects = redis.call('HINCRBY', KEYS[2], 'objects', ARGV[2])
bytes = redis.call('HINCRBY', KEYS[2], 'bytes', ARGV[3])
if redis.call('SADD', KEYS[3], ARGV[4]) == 1 then
  redis.call('HINCRBY', KEYS[1], 'containers', 1)
end
redis.call('HINCRBY', KEYS[1], 'objects', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'bytes', ARGV[3])
return {0, objects, bytes, ARGV[1]}
`)

// RedisOptions configures the Redis account store.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// RedisAccountStore keeps account aggregates in Redis.
type RedisAccountStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisAccountStore creates the store without probing the server, so an
// unreachable account tier only fails the deltas pushed to it.
func NewRedisAccountStore(opts RedisOptions, logger *zap.Logger) *RedisAccountStore {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "objectnode"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		MaxRetries:  1,
	})
	return &RedisAccountStore{
		client: client,
		prefix: opts.KeyPrefix,
		logger: logger,
	}
}

func (s *RedisAccountStore) accountKey(account string) string {
	return fmt.Sprintf("%s:account:{%s}", s.prefix, account)
}

func (s *RedisAccountStore) containerKey(account, container string) string {
	return fmt.Sprintf("%s:account:{%s}:container:%s", s.prefix, account, container)
}

func (s *RedisAccountStore) containerSetKey(account string) string {
	return fmt.Sprintf("%s:account:{%s}:containers", s.prefix, account)
}

func (s *RedisAccountStore) ApplyDelta(ctx context.Context, delta *model.AggregateDelta) (model.DeltaResult, error) {
	keys := []string{
		s.accountKey(delta.Account),
		s.containerKey(delta.Account, delta.Container),
		s.containerSetKey(delta.Account),
	}
	reply, err := applyDeltaScript.Run(ctx, s.client, keys,
		strconv.FormatUint(delta.Sequence, 10),
		delta.Delta.ObjectCount,
		delta.Delta.BytesUsed,
		delta.Container,
		delta.Base.ObjectCount,
		delta.Base.BytesUsed,
	).Slice()
	if err != nil {
		return model.DeltaResult{}, errors.AccountUnreachable(delta.Account, err)
	}
	result, err := parseDeltaReply(reply)
	if err != nil {
		return model.DeltaResult{}, errors.InternalError("unexpected account tier reply", err)
	}

	switch result.Outcome {
	case model.DeltaDuplicate:
		s.logger.Debug("Ignored duplicate delta",
			zap.String("container", delta.Ref().Path()),
			zap.Uint64("sequence", delta.Sequence))
	case model.DeltaRebased:
		s.logger.Info("Rejected delta with stale base",
			zap.String("container", delta.Ref().Path()),
			zap.Uint64("sequence", delta.Sequence),
			zap.Int64("base_objects", delta.Base.ObjectCount),
			zap.Int64("current_objects", result.Current.ObjectCount))
	}
	return result, nil
}

// parseDeltaReply decodes {outcome, objects, bytes, seq}. The sequence comes
// back as a string so values above 2^53 survive Lua's doubles.
func parseDeltaReply(reply []interface{}) (model.DeltaResult, error) {
	if len(reply) != 4 {
		return model.DeltaResult{}, fmt.Errorf("expected 4 fields, got %d", len(reply))
	}
	ints := make([]int64, 3)
	for i := range ints {
		n, ok := reply[i].(int64)
		if !ok {
			return model.DeltaResult{}, fmt.Errorf("field %d is %T, not an integer", i, reply[i])
		}
		ints[i] = n
	}
	seqText, ok := reply[3].(string)
	if !ok {
		return model.DeltaResult{}, fmt.Errorf("sequence is %T, not a string", reply[3])
	}
	seq, err := strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return model.DeltaResult{}, err
	}
	return model.DeltaResult{
		Outcome:  model.DeltaOutcome(ints[0]),
		Current:  model.ContainerStats{ObjectCount: ints[1], BytesUsed: ints[2]},
		Sequence: seq,
	}, nil
}

func (s *RedisAccountStore) GetAggregate(ctx context.Context, account string) (*model.AccountAggregate, error) {
	names, err := s.client.SMembers(ctx, s.containerSetKey(account)).Result()
	if err != nil {
		return nil, errors.AccountUnreachable(account, err)
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.HGetAll(ctx, s.containerKey(account, name))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.AccountUnreachable(account, err)
		}
	}

	agg := &model.AccountAggregate{
		Account:        account,
		ContainerCount: len(names),
		Containers:     make(map[string]model.ContainerStats, len(names)),
	}
	for name, cmd := range cmds {
		fields := cmd.Val()
		stats := model.ContainerStats{
			ObjectCount: parseInt(fields["objects"]),
			BytesUsed:   parseInt(fields["bytes"]),
		}
		agg.Containers[name] = stats
		agg.ObjectCount += stats.ObjectCount
		agg.BytesUsed += stats.BytesUsed
	}
	return agg, nil
}

func (s *RedisAccountStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.AccountUnreachable("", err)
	}
	return nil
}

func (s *RedisAccountStore) Close() error {
	return s.client.Close()
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
