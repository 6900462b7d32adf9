package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// redisEnqueueScript appends to the stream at most once per record.
// KEYS[1] = stream key
// KEYS[2] = hash of record id -> sequence
// KEYS[3] = sequence counter
// ARGV[1] = record id
// ARGV[2] = digest hex
// ARGV[3] = message JSON
var redisEnqueueScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[2], ARGV[1])
if existing then
    return {0, tonumber(existing)}
end
local seq = redis.call("INCR", KEYS[3])
redis.call("XADD", KEYS[1], "*", "sequence", seq, "record_id", ARGV[1], "digest_hex", ARGV[2], "message", ARGV[3])
redis.call("HSET", KEYS[2], ARGV[1], seq)
return {1, seq}
`)

// RedisQueue appends hand-off messages to a Redis Stream. The broadcaster
// consumes the stream with its own consumer group.
type RedisQueue struct {
	client *redis.Client
	stream string
	now    func() time.Time
}

// NewRedisQueue connects to addr and appends to stream.
func NewRedisQueue(addr, password, stream string) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &RedisQueue{client: rdb, stream: stream, now: time.Now}
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Enqueue(ctx context.Context, r *contracts.CommittedRecord) (contracts.HandoffMessage, error) {
	if r == nil || r.DigestHex == "" {
		return contracts.HandoffMessage{}, contracts.Errorf(contracts.KindValidation, contracts.OpHandoffEnqueue, "record has no digest")
	}
	msg := contracts.NewHandoffMessage(r, q.now().UTC())
	body, err := json.Marshal(msg)
	if err != nil {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindValidation, contracts.OpHandoffEnqueue, err)
	}

	keys := []string{q.stream, q.stream + ":records", q.stream + ":seq"}
	res, err := redisEnqueueScript.Run(ctx, q.client, keys, r.ID, r.DigestHex, string(body)).Result()
	if err != nil {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindTransient, contracts.OpHandoffEnqueue, fmt.Errorf("redis enqueue: %w", err))
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return contracts.HandoffMessage{}, contracts.Errorf(contracts.KindInvariant, contracts.OpHandoffEnqueue, "invalid response from lua script")
	}
	seq, _ := results[1].(int64)
	msg.Sequence = seq
	return msg, nil
}
