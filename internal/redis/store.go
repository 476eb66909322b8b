package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const scanBatch = 100

// Store implements store.Store on Redis. Every path is a plain string key
// under the configured prefix. Writes and deletes run SET/DEL together with a
// PUBLISH of the new value on the path's channel inside one MULTI, so a
// watcher never sees a value the key did not hold.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// changeFrame is the PUBLISH payload for a path change.
type changeFrame struct {
	Exists bool   `msgpack:"exists"`
	Value  []byte `msgpack:"value,omitempty"`
}

// NewStore wraps client. Keys expire ttl after their last write; zero disables expiry.
func NewStore(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *Store) key(p string) string     { return s.prefix + p }
func (s *Store) channel(p string) string { return s.prefix + "events:" + p }

func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, p string, value []byte) error {
	frame, err := msgpack.Marshal(changeFrame{Exists: true, Value: value})
	if err != nil {
		return fmt.Errorf("encode change for %s: %w", p, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(p), value, s.ttl)
		pipe.Publish(ctx, s.channel(p), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	frame, err := msgpack.Marshal(changeFrame{})
	if err != nil {
		return fmt.Errorf("encode change for %s: %w", p, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(p))
		pipe.Publish(ctx, s.channel(p), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Touch restarts the key's TTL. Redis drops expired keys without a PUBLISH,
// so owners of long-lived values must touch them well within the TTL.
func (s *Store) Touch(ctx context.Context, p string) error {
	var (
		ok  bool
		err error
	)
	if s.ttl > 0 {
		ok, err = s.client.Expire(ctx, s.key(p), s.ttl).Result()
	} else {
		var n int64
		n, err = s.client.Exists(ctx, s.key(p)).Result()
		ok = n > 0
	}
	if err != nil {
		return fmt.Errorf("touch %s: %w", p, err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// Watch subscribes before reading the current value so no write can fall
// between the two. A write that lands in that gap is delivered twice.
func (s *Store) Watch(ctx context.Context, p string) (store.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel(p))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p, err)
	}

	initial := store.Change{Path: p}
	v, err := s.client.Get(ctx, s.key(p)).Bytes()
	switch {
	case err == nil:
		initial.Value = v
		initial.Exists = true
	case errors.Is(err, redis.Nil):
	default:
		ps.Close()
		return nil, fmt.Errorf("read %s: %w", p, err)
	}

	sub := &subscription{ps: ps, box: store.NewMailbox[store.Change]()}
	sub.box.Put(initial)
	go sub.run(ctx, p, s.logger)
	return sub, nil
}

// QueryEqual scans keys matching the collection pattern. Results come back in
// SCAN order, which is unspecified.
func (s *Store) QueryEqual(ctx context.Context, collection, fieldPath, value string) ([]store.Entry, error) {
	pattern, ok := store.QueryPattern(collection, fieldPath)
	if !ok {
		return nil, nil
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}

	var entries []store.Entry
	for start := 0; start < len(keys); start += scanBatch {
		batch := keys[start:min(start+scanBatch, len(keys))]
		values, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget %s: %w", pattern, err)
		}
		for i, raw := range values {
			str, ok := raw.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			p := batch[i][len(s.prefix):]
			if key, ok := store.MatchEntry(p, []byte(str), collection, fieldPath, value); ok {
				entries = append(entries, store.Entry{Key: key, Value: []byte(str)})
			}
		}
	}
	return entries, nil
}

type subscription struct {
	ps   *redis.PubSub
	box  *store.Mailbox[store.Change]
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) run(ctx context.Context, p string, logger *slog.Logger) {
	defer s.box.Close()

	messages := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.err = ctx.Err()
			s.mu.Unlock()
			s.Close()
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var frame changeFrame
			if err := msgpack.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Warn("dropping undecodable change frame", "path", p, "err", err)
				continue
			}
			s.box.Put(store.Change{Path: p, Value: frame.Value, Exists: frame.Exists})
		}
	}
}

func (s *subscription) Changes() <-chan store.Change { return s.box.C() }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
