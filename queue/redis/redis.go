// Package redis implements a reliable Queue on Redis lists.
//
// Keys per queue, sharing the hash tag {<name>}:
//
//	<prefix>:{<name>}:msgs      hash   id -> msgpack envelope
//	<prefix>:{<name>}:attempts  hash   id -> delivery count
//	<prefix>:{<name>}:errors    hash   id -> last failure cause
//	<prefix>:{<name>}:ready     list   ids waiting for a consumer
//	<prefix>:{<name>}:inflight  list   ids leased to a consumer
//	<prefix>:{<name>}:leases    zset   id -> lease deadline (unix ms)
//	<prefix>:{<name>}:dead      list   dead-lettered ids
//
// Every state transition is a Lua script, so concurrent consumers in
// different processes never observe a message in two states.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/sluice/queue"
)

// DefaultPrefix is the default key prefix.
const DefaultPrefix = "sluice:queue"

// receiveScript leases up to ARGV[2] ready ids until deadline ARGV[1].
// KEYS: ready, inflight, leases, msgs, attempts.
// Returns a flat list of id, attempt, envelope triples.
var receiveScript = goredis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[2]) do
  local id = redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT')
  if not id then
    break
  end
  local n = redis.call('HINCRBY', KEYS[5], id, 1)
  redis.call('ZADD', KEYS[3], ARGV[1], id)
  table.insert(out, id)
  table.insert(out, n)
  table.insert(out, redis.call('HGET', KEYS[4], id))
end
return out
`)

// ackScript removes a leased message if the receipt attempt still matches.
// KEYS: inflight, leases, msgs, attempts, errors. ARGV: id, attempt.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// nackScript requeues or dead-letters a leased message.
// KEYS: inflight, leases, attempts, ready, dead, errors.
// ARGV: id, attempt, max receives, cause.
// Returns -1 for an unknown receipt, 1 when dead-lettered, 0 when requeued.
var nackScript = goredis.NewScript(`
local n = redis.call('HGET', KEYS[3], ARGV[1])
if n ~= ARGV[2] then
  return -1
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return -1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[6], ARGV[1], ARGV[4])
if tonumber(n) >= tonumber(ARGV[3]) then
  redis.call('RPUSH', KEYS[5], ARGV[1])
  return 1
end
redis.call('RPUSH', KEYS[4], ARGV[1])
return 0
`)

// reclaimScript settles every lease whose deadline is at or before ARGV[1].
// KEYS: leases, inflight, attempts, ready, dead, errors.
// ARGV: now, max receives, cause. Returns the dead-lettered ids.
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local dead = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 1, id)
  redis.call('HSET', KEYS[6], id, ARGV[3])
  local n = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  if n >= tonumber(ARGV[2]) then
    redis.call('RPUSH', KEYS[5], id)
    table.insert(dead, id)
  else
    redis.call('RPUSH', KEYS[4], id)
  end
end
return dead
`)

// redriveScript moves dead ids back to ready, resetting attempts.
// KEYS: dead, ready, attempts, errors. ARGV: ids (none means all).
var redriveScript = goredis.NewScript(`
local moved = 0
local function reset(id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  moved = moved + 1
end
if #ARGV == 0 then
  while true do
    local id = redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT')
    if not id then
      break
    end
    reset(id)
  end
  return moved
end
for _, id in ipairs(ARGV) do
  if redis.call('LREM', KEYS[1], 1, id) > 0 then
    redis.call('RPUSH', KEYS[2], id)
    reset(id)
  end
end
return moved
`)

// Config configures a Redis queue.
type Config struct {
	// URL is the Redis connection URL (required unless a client is supplied).
	URL string
	// Prefix namespaces all keys (default: sluice:queue).
	Prefix string
}

// Queue is a Redis-backed queue.
type Queue struct {
	name   string
	opts   queue.Options
	client goredis.UniversalClient
	owned  bool
	k      keys
	closed atomic.Bool
}

var _ queue.Queue = (*Queue)(nil)

type keys struct {
	msgs, attempts, errors, ready, inflight, leases, dead string
}

// New creates a queue that owns its client.
func New(name string, cfg Config, opts queue.Options) (*Queue, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis queue requires a URL")
	}
	ropts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis queue: invalid URL: %w", err)
	}
	q := NewWithClient(goredis.NewClient(ropts), name, cfg.Prefix, opts)
	q.owned = true
	return q, nil
}

// NewWithClient creates a queue on a shared client. Close leaves the client open.
func NewWithClient(client goredis.UniversalClient, name, prefix string, opts queue.Options) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	base := fmt.Sprintf("%s:{%s}", prefix, name)
	return &Queue{
		name:   name,
		opts:   opts.WithDefaults(),
		client: client,
		k: keys{
			msgs:     base + ":msgs",
			attempts: base + ":attempts",
			errors:   base + ":errors",
			ready:    base + ":ready",
			inflight: base + ":inflight",
			leases:   base + ":leases",
			dead:     base + ":dead",
		},
	}
}

// Name implements queue.Queue.
func (q *Queue) Name() string { return q.name }

func (q *Queue) check() error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	return nil
}

// Send implements queue.Queue.
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	if err := q.check(); err != nil {
		return "", err
	}
	msg := queue.NewMessage(uuid.NewString(), body, q.opts.Now())
	data, err := queue.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.k.msgs, msg.ID, data)
		pipe.RPush(ctx, q.k.ready, msg.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis queue %s: send: %w", q.name, err)
	}
	return msg.ID, nil
}

// Receive implements queue.Queue.
func (q *Queue) Receive(ctx context.Context, limit int) ([]*queue.Delivery, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if err := q.reclaim(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	deadline := q.opts.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.k.ready, q.k.inflight, q.k.leases, q.k.msgs, q.k.attempts},
		deadline, limit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis queue %s: receive: %w", q.name, err)
	}

	out := make([]*queue.Delivery, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		id, _ := res[i].(string)
		attempt, _ := res[i+1].(int64)
		raw, _ := res[i+2].(string)

		msg, err := queue.DecodeMessage([]byte(raw))
		if err != nil {
			// Keep the id so the consumer can still nack it to the dead list.
			msg = &queue.Message{ID: id}
		}
		msg.Attempt = int(attempt)
		if cause, err := q.client.HGet(ctx, q.k.errors, id).Result(); err == nil {
			msg.LastError = cause
		}
		out = append(out, &queue.Delivery{Message: msg, Receipt: receipt(id, attempt)})
	}
	return out, nil
}

func (q *Queue) reclaim(ctx context.Context) error {
	ids, err := reclaimScript.Run(ctx, q.client,
		[]string{q.k.leases, q.k.inflight, q.k.attempts, q.k.ready, q.k.dead, q.k.errors},
		q.opts.Now().UnixMilli(), q.opts.MaxReceives, queue.CauseLeaseExpired,
	).StringSlice()
	if err != nil {
		return fmt.Errorf("redis queue %s: reclaim: %w", q.name, err)
	}
	q.notify(ctx, ids)
	return nil
}

func (q *Queue) notify(ctx context.Context, ids []string) {
	if q.opts.OnDeadLetter == nil || len(ids) == 0 {
		return
	}
	msgs, err := q.load(ctx, ids)
	if err != nil {
		return
	}
	for _, m := range msgs {
		q.opts.OnDeadLetter(ctx, q.name, m)
	}
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := q.check(); err != nil {
		return err
	}
	id, attempt, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.k.inflight, q.k.leases, q.k.msgs, q.k.attempts, q.k.errors},
		id, attempt,
	).Int()
	if err != nil {
		return fmt.Errorf("redis queue %s: ack: %w", q.name, err)
	}
	if ok == 0 {
		return fmt.Errorf("ack %s: %w", d.Receipt, queue.ErrUnknownReceipt)
	}
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	if err := q.check(); err != nil {
		return err
	}
	id, attempt, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	res, err := nackScript.Run(ctx, q.client,
		[]string{q.k.inflight, q.k.leases, q.k.attempts, q.k.ready, q.k.dead, q.k.errors},
		id, attempt, q.opts.MaxReceives, queue.CauseString(cause),
	).Int()
	if err != nil {
		return fmt.Errorf("redis queue %s: nack: %w", q.name, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("nack %s: %w", d.Receipt, queue.ErrUnknownReceipt)
	case 1:
		q.notify(ctx, []string{id})
	}
	return nil
}

// DeadLetters implements queue.Queue.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*queue.Message, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	ids, err := q.client.LRange(ctx, q.k.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue %s: dead letters: %w", q.name, err)
	}
	return q.load(ctx, ids)
}

// load fetches envelopes with their attempt counts and causes.
func (q *Queue) load(ctx context.Context, ids []string) ([]*queue.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	msgsCmd := pipe.HMGet(ctx, q.k.msgs, ids...)
	attemptsCmd := pipe.HMGet(ctx, q.k.attempts, ids...)
	errorsCmd := pipe.HMGet(ctx, q.k.errors, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis queue %s: load: %w", q.name, err)
	}

	raws, attempts, causes := msgsCmd.Val(), attemptsCmd.Val(), errorsCmd.Val()
	out := make([]*queue.Message, 0, len(ids))
	for i, id := range ids {
		raw, _ := raws[i].(string)
		msg, err := queue.DecodeMessage([]byte(raw))
		if err != nil {
			msg = &queue.Message{ID: id}
		}
		if s, ok := attempts[i].(string); ok {
			msg.Attempt, _ = strconv.Atoi(s)
		}
		if s, ok := causes[i].(string); ok {
			msg.LastError = s
		}
		out = append(out, msg)
	}
	return out, nil
}

// Redrive implements queue.Queue.
func (q *Queue) Redrive(ctx context.Context, ids ...string) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	n, err := redriveScript.Run(ctx, q.client,
		[]string{q.k.dead, q.k.ready, q.k.attempts, q.k.errors},
		args...,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis queue %s: redrive: %w", q.name, err)
	}
	return n, nil
}

// Depth implements queue.Queue.
func (q *Queue) Depth(ctx context.Context) (queue.Depth, error) {
	if err := q.check(); err != nil {
		return queue.Depth{}, err
	}
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.k.ready)
	inflight := pipe.LLen(ctx, q.k.inflight)
	dead := pipe.LLen(ctx, q.k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Depth{}, fmt.Errorf("redis queue %s: depth: %w", q.name, err)
	}
	return queue.Depth{
		Queue:    q.name,
		Ready:    ready.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	if q.closed.Swap(true) || !q.owned {
		return nil
	}
	return q.client.Close()
}

func receipt(id string, attempt int64) string {
	return id + "#" + strconv.FormatInt(attempt, 10)
}

func parseReceipt(r string) (string, string, error) {
	id, attempt, ok := strings.Cut(r, "#")
	if !ok || id == "" || attempt == "" {
		return "", "", fmt.Errorf("malformed receipt %q: %w", r, queue.ErrUnknownReceipt)
	}
	return id, attempt, nil
}
