package resources

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Counters are hashes keyed by resource (r:<type>:<id>) with one field per
// router node, so a node can drop its own reservations without touching the
// other nodes' fields. Each node also tracks the counters it touched in a set.

var reserveScript = redis.NewScript(`
-- KEYS[1..n]  resource counters (hash: node -> taken)
-- KEYS[n+1]   set of counters touched by this node
-- ARGV[1]     node id
-- ARGV[2i], ARGV[2i+1]  limit and takes for KEYS[i]
--
-- Returns:
--  0 if every resource was granted
--  i (1-based) of the first exhausted resource; nothing stays reserved
local n = #KEYS - 1
local node = ARGV[1]
for i = 1, n do
  local limit = tonumber(ARGV[2*i])
  local takes = tonumber(ARGV[2*i+1])
  if limit > 0 then
    local used = 0
    for _, v in ipairs(redis.call('HVALS', KEYS[i])) do
      used = used + tonumber(v)
    end
    if used + takes > limit then
      for j = 1, i - 1 do
        local left = redis.call('HINCRBY', KEYS[j], node, -tonumber(ARGV[2*j+1]))
        if left <= 0 then
          redis.call('HDEL', KEYS[j], node)
        end
      end
      return i
    end
  end
  redis.call('HINCRBY', KEYS[i], node, takes)
  redis.call('SADD', KEYS[n+1], KEYS[i])
end
return 0
`)

var releaseScript = redis.NewScript(`
-- KEYS[1..n]  resource counters
-- ARGV[1]     node id
-- ARGV[i+1]   takes for KEYS[i]
for i = 1, #KEYS do
  local left = redis.call('HINCRBY', KEYS[i], ARGV[1], -tonumber(ARGV[i+1]))
  if left <= 0 then
    redis.call('HDEL', KEYS[i], ARGV[1])
  end
end
return 0
`)

var invalidateScript = redis.NewScript(`
-- KEYS[1]  set of counters touched by this node
-- ARGV[1]  node id
local keys = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(keys) do
  redis.call('HDEL', k, ARGV[1])
end
redis.call('DEL', KEYS[1])
return #keys
`)

// RedisBackend keeps resource counters in Redis. Writes go through one
// connection in pipelines so per-key ordering is the issue order.
type RedisBackend struct {
	write redis.UniversalClient
	read  redis.UniversalClient
	node  string
}

// NewRedisBackend uses write for all mutations and read for state queries.
// read may be nil.
func NewRedisBackend(write, read redis.UniversalClient, node string) *RedisBackend {
	if read == nil {
		read = write
	}
	return &RedisBackend{write: write, read: read, node: node}
}

func (b *RedisBackend) nodeKey() string { return "n:" + b.node + ":keys" }

func (b *RedisBackend) Exec(ctx context.Context, ops []Op) ([]OpResult, error) {
	cmds := make([]*redis.Cmd, len(ops))
	_, err := b.write.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, op := range ops {
			cmds[i] = b.eval(ctx, p, op)
		}
		return nil
	})
	if err != nil && !isReplyError(err) {
		return nil, err
	}

	res := make([]OpResult, len(ops))
	for i, cmd := range cmds {
		res[i].Failed = -1
		n, err := cmd.Int()
		if err != nil {
			if isReplyError(err) {
				res[i].Err = fmt.Errorf("resources: %s: %w", ops[i].Kind, err)
				continue
			}
			return nil, err
		}
		if ops[i].Kind == OpReserve && n > 0 {
			res[i].Failed = n - 1
		}
	}
	return res, nil
}

func (b *RedisBackend) eval(ctx context.Context, p redis.Pipeliner, op Op) *redis.Cmd {
	switch op.Kind {
	case OpReserve:
		keys := make([]string, 0, len(op.Items)+1)
		args := make([]any, 0, 1+2*len(op.Items))
		args = append(args, b.node)
		for _, it := range op.Items {
			keys = append(keys, it.Key())
			args = append(args, it.Limit, it.Takes)
		}
		keys = append(keys, b.nodeKey())
		return reserveScript.Eval(ctx, p, keys, args...)
	case OpRelease:
		keys := make([]string, 0, len(op.Items))
		args := make([]any, 0, 1+len(op.Items))
		args = append(args, b.node)
		for _, it := range op.Items {
			keys = append(keys, it.Key())
			args = append(args, it.Takes)
		}
		return releaseScript.Eval(ctx, p, keys, args...)
	default:
		return invalidateScript.Eval(ctx, p, []string{b.nodeKey()}, b.node)
	}
}

// Used sums the amount taken by every node.
func (b *RedisBackend) Used(ctx context.Context, s Spec) (int64, error) {
	vals, err := b.read.HVals(ctx, s.Key()).Result()
	if err != nil {
		return 0, err
	}
	var used int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("resources: counter %s: %w", s.Key(), err)
		}
		used += n
	}
	return used, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.write.Ping(ctx).Err()
}

// isReplyError reports an error answered by Redis itself, as opposed to a
// transport failure.
func isReplyError(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && !errors.Is(err, redis.Nil)
}
