package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(client, "mm:", time.Hour, logger), mr
}

func nextChange(t *testing.T, sub store.Subscription) store.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return store.Change{}
}

func TestStore_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if _, err := s.Read(ctx, "users/a/status"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.Write(ctx, "users/a/status", []byte(`{"kind":"seeking"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, _ := mr.Get("mm:users/a/status"); got != `{"kind":"seeking"}` {
		t.Fatalf("raw key = %q", got)
	}
	if ttl := mr.TTL("mm:users/a/status"); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}

	got, err := s.Read(ctx, "users/a/status")
	if err != nil || string(got) != `{"kind":"seeking"}` {
		t.Fatalf("read = %q, %v", got, err)
	}

	if err := s.Delete(ctx, "users/a/status"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("mm:users/a/status") {
		t.Fatalf("key still exists")
	}
}

func TestStore_WatchSeesCurrentValueThenChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newTestStore(t)

	if err := s.Write(ctx, "users/a/inbox", []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sub, err := s.Watch(ctx, "users/a/inbox")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	if c := nextChange(t, sub); !c.Exists || string(c.Value) != "first" {
		t.Fatalf("initial = %#v", c)
	}

	if err := s.Write(ctx, "users/a/inbox", []byte("second")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c := nextChange(t, sub); !c.Exists || string(c.Value) != "second" {
		t.Fatalf("change = %#v", c)
	}

	if err := s.Delete(ctx, "users/a/inbox"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c := nextChange(t, sub); c.Exists {
		t.Fatalf("delete change = %#v", c)
	}
}

func TestStore_WatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := newTestStore(t)

	sub, err := s.Watch(ctx, "users/a/status")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	nextChange(t, sub)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Changes():
			if !ok {
				if !errors.Is(sub.Err(), context.Canceled) {
					t.Fatalf("Err = %v, want context.Canceled", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("subscription did not end")
		}
	}
}

func TestStore_QueryEqual(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_ = s.Write(ctx, "users/a/status", []byte(`{"kind":"seeking"}`))
	_ = s.Write(ctx, "users/b/status", []byte(`{"kind":"connected"}`))
	_ = s.Write(ctx, "users/c/status", []byte(`{"kind":"seeking"}`))
	_ = s.Write(ctx, "users/c/inbox", []byte(`{"kind":"seeking"}`))
	// Keys outside the prefix or with nested paths never match.
	_ = mr.Set("other:users/z/status", `{"kind":"seeking"}`)
	_ = s.Write(ctx, "users/x/y/status", []byte(`{"kind":"seeking"}`))

	entries, err := s.QueryEqual(ctx, "users", "status/kind", "seeking")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestStore_TouchKeepsStatusAlive(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if err := s.Write(ctx, "users/a/status", []byte(`{"kind":"seeking"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	mr.FastForward(50 * time.Minute)
	if err := s.Touch(ctx, "users/a/status"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ttl := mr.TTL("mm:users/a/status"); ttl != time.Hour {
		t.Fatalf("ttl after touch = %v, want 1h", ttl)
	}
	mr.FastForward(50 * time.Minute)

	entries, err := s.QueryEqual(ctx, "users", "status/kind", "seeking")
	if err != nil || len(entries) != 1 || entries[0].Key != "a" {
		t.Fatalf("entries = %v, %v", entries, err)
	}
}

func TestStore_TouchReportsSilentExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, mr := newTestStore(t)

	if err := s.Write(ctx, "users/a/status", []byte(`{"kind":"seeking"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub, err := s.Watch(ctx, "users/a/status")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	nextChange(t, sub)

	mr.FastForward(2 * time.Hour)

	select {
	case c := <-sub.Changes():
		t.Fatalf("expiry announced as %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
	if entries, _ := s.QueryEqual(ctx, "users", "status/kind", "seeking"); len(entries) != 0 {
		t.Fatalf("expired status still matched: %v", entries)
	}
	if err := s.Touch(ctx, "users/a/status"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("touch err = %v, want ErrNotFound", err)
	}
}
