// Package coordinator wraps the Redis-backed coordinator the rest of the
// fabric depends on: hash, sorted-set, set, list, pub/sub and stream
// operations behind one narrow interface, pooled and circuit-broken so a
// coordinator outage degrades call sites instead of hanging them.
//
// The stream operations follow the consumer-group reader shape worked out
// in the retrieved algo-sys redis reader (EnsureConsumerGroup / read loop /
// ack), adapted from go-redis v8 to v9. Only new entries (">") are read:
// pending-entry recovery (XPENDING/XCLAIM) is not implemented, so an entry
// read but never acknowledged stays in the group's pending list and is not
// delivered again.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// StreamMessage is one entry read off the Ingestion Log.
type StreamMessage struct {
	ID     string
	Values map[string]any
}

// PubSubMessage is one message delivered on a subscribed channel.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must call Close when
// done; Channel is closed once Close returns or the underlying connection
// is torn down.
type Subscription interface {
	Channel() <-chan PubSubMessage
	Close() error
}

// Coordinator is the narrow surface every other package in the fabric talks
// to. It intentionally does not leak *redis.Client so call sites cannot grow
// a dependency on go-redis internals.
type Coordinator interface {
	Ping(ctx context.Context) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	EnsureConsumerGroup(ctx context.Context, stream, group string) error
	XAdd(ctx context.Context, stream string, values map[string]any) (string, error)
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XLen(ctx context.Context, stream string) (int64, error)
	XGroupLag(ctx context.Context, stream, group string) (int64, error)

	Close() error
}

// ZMember is one sorted-set member with its score, returned in ascending
// score order (oldest enqueue first).
type ZMember struct {
	Member string
	Score  float64
}

// Options configure the redis-backed Coordinator.
type Options struct {
	Host     string
	Port     int
	Password string
	DB       int

	DialTimeout  time.Duration
	PoolSize     int
	MinIdleConns int
}

type redisCoordinator struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds the pooled go-redis client and wraps it in a circuit breaker.
// Dialing is lazy in go-redis (the pool connects on first use), so New does
// no I/O; it fills in defaults for DialTimeout and PoolSize and does not
// validate the other options.
func New(opts Options) Coordinator {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 20
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coordinator",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 8
		},
	})

	return &redisCoordinator{client: client, breaker: breaker}
}

func (c *redisCoordinator) exec(fn func() (any, error)) error {
	_, err := c.breaker.Execute(fn)
	return err
}

func (c *redisCoordinator) execVal(fn func() (any, error)) (any, error) {
	return c.breaker.Execute(fn)
}

func (c *redisCoordinator) Ping(ctx context.Context) error {
	return c.exec(func() (any, error) { return nil, c.client.Ping(ctx).Err() })
}

func (c *redisCoordinator) HSet(ctx context.Context, key, field, value string) error {
	return c.exec(func() (any, error) { return nil, c.client.HSet(ctx, key, field, value).Err() })
}

func (c *redisCoordinator) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.execVal(func() (any, error) { return c.client.HGet(ctx, key, field).Result() })
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.(string), true, nil
}

func (c *redisCoordinator) HDel(ctx context.Context, key string, fields ...string) error {
	return c.exec(func() (any, error) { return nil, c.client.HDel(ctx, key, fields...).Err() })
}

func (c *redisCoordinator) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.execVal(func() (any, error) { return c.client.HGetAll(ctx, key).Result() })
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (c *redisCoordinator) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.exec(func() (any, error) {
		return nil, c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (c *redisCoordinator) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	v, err := c.execVal(func() (any, error) { return c.client.ZRangeWithScores(ctx, key, 0, -1).Result() })
	if err != nil {
		return nil, err
	}
	zs := v.([]redis.Z)
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (c *redisCoordinator) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return c.exec(func() (any, error) { return nil, c.client.ZRemRangeByRank(ctx, key, start, stop).Err() })
}

func (c *redisCoordinator) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.exec(func() (any, error) { return nil, c.client.ZRem(ctx, key, args...).Err() })
}

func (c *redisCoordinator) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := c.execVal(func() (any, error) { return c.client.ZCard(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *redisCoordinator) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.exec(func() (any, error) { return nil, c.client.Expire(ctx, key, ttl).Err() })
}

func (c *redisCoordinator) SAdd(ctx context.Context, key, member string) error {
	return c.exec(func() (any, error) { return nil, c.client.SAdd(ctx, key, member).Err() })
}

func (c *redisCoordinator) SRem(ctx context.Context, key, member string) error {
	return c.exec(func() (any, error) { return nil, c.client.SRem(ctx, key, member).Err() })
}

func (c *redisCoordinator) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.execVal(func() (any, error) { return c.client.SMembers(ctx, key).Result() })
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *redisCoordinator) SCard(ctx context.Context, key string) (int64, error) {
	v, err := c.execVal(func() (any, error) { return c.client.SCard(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *redisCoordinator) RPush(ctx context.Context, key, value string) error {
	return c.exec(func() (any, error) { return nil, c.client.RPush(ctx, key, value).Err() })
}

func (c *redisCoordinator) LLen(ctx context.Context, key string) (int64, error) {
	v, err := c.execVal(func() (any, error) { return c.client.LLen(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *redisCoordinator) Publish(ctx context.Context, channel, payload string) error {
	return c.exec(func() (any, error) { return nil, c.client.Publish(ctx, channel, payload).Err() })
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan PubSubMessage
	cancel context.CancelFunc
}

func (s *redisSubscription) Channel() <-chan PubSubMessage { return s.ch }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe is deliberately outside the breaker: a long-lived subscription
// is not a single request/response the breaker's failure accounting models,
// and a broken connection surfaces as the returned channel closing instead.
func (c *redisCoordinator) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := c.client.Subscribe(subCtx, channel)
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		return nil, err
	}

	out := make(chan PubSubMessage, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &redisSubscription{pubsub: ps, ch: out, cancel: cancel}, nil
}

func (c *redisCoordinator) EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	// Starting offset "0" replays the full backlog, matching the original
	// implementation's xgroup_create(..., id='0', mkstream=True).
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *redisCoordinator) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	v, err := c.execVal(func() (any, error) {
		return c.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *redisCoordinator) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	// block <= 0 is a non-blocking read. go-redis sends BLOCK 0 (wait
	// indefinitely) for a zero Block and omits BLOCK for a negative one.
	if block <= 0 {
		block = -1
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

func (c *redisCoordinator) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return c.exec(func() (any, error) { return nil, c.client.XAck(ctx, stream, group, ids...).Err() })
}

func (c *redisCoordinator) XLen(ctx context.Context, stream string) (int64, error) {
	v, err := c.execVal(func() (any, error) { return c.client.XLen(ctx, stream).Result() })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// XGroupLag reports the consumer group's pending-entries count as a proxy
// for lag, used by the /health endpoint.
func (c *redisCoordinator) XGroupLag(ctx context.Context, stream, group string) (int64, error) {
	v, err := c.execVal(func() (any, error) {
		return c.client.XPending(ctx, stream, group).Result()
	})
	if err != nil {
		return 0, err
	}
	p := v.(*redis.XPending)
	return p.Count, nil
}

func (c *redisCoordinator) Close() error {
	return c.client.Close()
}
