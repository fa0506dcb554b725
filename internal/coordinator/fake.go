package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Coordinator used by package tests across the fabric.
// It is deliberately simple rather than a miniredis-style server: the
// invariants under test (ordering, trimming, TTL-adjacent behavior) are
// easier to assert against deterministically with a hand-rolled store than
// against a real Redis clone's timing.
type Fake struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	channels map[string][]chan PubSubMessage
	streams  map[string][]StreamMessage
	groups   map[string]map[string]bool // stream -> group -> exists
	nextID   int
}

func NewFake() *Fake {
	return &Fake{
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
		sets:     make(map[string]map[string]struct{}),
		lists:    make(map[string][]string),
		channels: make(map[string][]chan PubSubMessage),
		streams:  make(map[string][]StreamMessage),
		groups:   make(map[string]map[string]bool),
	}
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

func (f *Fake) HSet(ctx context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *Fake) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := m[field]
	return v, ok, nil
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(m, field)
	}
	return nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *Fake) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ZMember, 0, len(f.zsets[key]))
	for m, s := range f.zsets[key] {
		out = append(out, ZMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (f *Fake) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, _ := f.zRangeLocked(key)
	n := int64(len(members))
	if n == 0 {
		return nil
	}
	s, e := normalizeRank(start, n), normalizeRank(stop, n)
	if s > e {
		return nil
	}
	for i := s; i <= e && i < n; i++ {
		delete(f.zsets[key], members[i].Member)
	}
	return nil
}

func normalizeRank(idx, n int64) int64 {
	if idx < 0 {
		idx = n + idx
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (f *Fake) zRangeLocked(key string) ([]ZMember, error) {
	out := make([]ZMember, 0, len(f.zsets[key]))
	for m, s := range f.zsets[key] {
		out = append(out, ZMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (f *Fake) ZRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.zsets[key], m)
	}
	return nil
}

func (f *Fake) ZCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.zsets[key])), nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (f *Fake) SAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *Fake) SRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) SCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sets[key])), nil
}

func (f *Fake) RPush(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
	return nil
}

func (f *Fake) LLen(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *Fake) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	subs := append([]chan PubSubMessage{}, f.channels[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- PubSubMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

type fakeSubscription struct {
	ch  chan PubSubMessage
	f   *Fake
	key string
}

func (s *fakeSubscription) Channel() <-chan PubSubMessage { return s.ch }

func (s *fakeSubscription) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	subs := s.f.channels[s.key]
	for i, c := range subs {
		if c == s.ch {
			s.f.channels[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan PubSubMessage, 64)
	f.channels[channel] = append(f.channels[channel], ch)
	return &fakeSubscription{ch: ch, f: f, key: channel}, nil
}

func (f *Fake) EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[stream] == nil {
		f.groups[stream] = make(map[string]bool)
	}
	f.groups[stream][group] = true
	return nil
}

func (f *Fake) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := time.Now().Format("20060102150405") + "-" + itoa(f.nextID)
	f.streams[stream] = append(f.streams[stream], StreamMessage{ID: id, Values: values})
	return id, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// XReadGroup on the fake hands out up to count not-yet-read messages and
// removes them from the stream, simulating competitive consumption; block
// is ignored and it does not model re-delivery of unacked messages.
func (f *Fake) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.streams[stream]
	if len(msgs) == 0 {
		return nil, nil
	}
	n := int64(len(msgs))
	if count < n {
		n = count
	}
	out := append([]StreamMessage{}, msgs[:n]...)
	f.streams[stream] = msgs[n:]
	return out, nil
}

func (f *Fake) XAck(ctx context.Context, stream, group string, ids ...string) error { return nil }

func (f *Fake) XLen(ctx context.Context, stream string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.streams[stream])), nil
}

func (f *Fake) XGroupLag(ctx context.Context, stream, group string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.streams[stream])), nil
}

func (f *Fake) Close() error { return nil }

var _ Coordinator = (*Fake)(nil)
