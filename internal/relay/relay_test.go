package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func expectEnvelope(t *testing.T, in *Inbox) models.SignalEnvelope {
	t.Helper()
	select {
	case env, ok := <-in.C():
		if !ok {
			t.Fatalf("inbox closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
	return models.SignalEnvelope{}
}

func expectNothing(t *testing.T, in *Inbox) {
	t.Helper()
	select {
	case env := <-in.C():
		t.Fatalf("unexpected envelope %#v", env)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSendAndObserve(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	alice := New(s, "alice1", discard)
	bob := New(s, "bob222", discard)

	in, err := bob.ObserveInbox(ctx)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer in.Close()

	if err := alice.Send(ctx, "bob222", models.SignalEnvelope{Kind: models.SignalKindOffer, Payload: "v=0"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := expectEnvelope(t, in)
	if env.Kind != models.SignalKindOffer || env.Payload != "v=0" || env.From != "alice1" {
		t.Fatalf("got %#v", env)
	}
}

// Writing E2 before E1 is consumed leaves only E2 observable.
func TestInboxOverwriteLosesUnreadEnvelope(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	alice := New(s, "alice1", discard)
	bob := New(s, "bob222", discard)

	_ = alice.Send(ctx, "bob222", models.SignalEnvelope{Kind: models.SignalKindIceCandidate, Payload: "c1"})
	_ = alice.Send(ctx, "bob222", models.SignalEnvelope{Kind: models.SignalKindIceCandidate, Payload: "c2"})

	in, _ := bob.ObserveInbox(ctx)
	defer in.Close()

	if env := expectEnvelope(t, in); env.Payload != "c2" {
		t.Fatalf("got %q, want c2", env.Payload)
	}
	expectNothing(t, in)
}

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	bob := New(s, "bob222", discard)
	in, _ := bob.ObserveInbox(ctx)
	defer in.Close()

	_ = s.Write(ctx, models.InboxPath("bob222"), []byte(`{"kind":"OFFER","payload":"x"}`))
	expectNothing(t, in)
	_ = s.Write(ctx, models.InboxPath("bob222"), []byte(`not json`))
	expectNothing(t, in)

	_ = s.Write(ctx, models.InboxPath("bob222"), []byte(`{"kind":"chat","payload":"hi"}`))
	if env := expectEnvelope(t, in); env.Kind != models.SignalKindChat || env.Payload != "hi" {
		t.Fatalf("got %#v", env)
	}
}

func TestClearIsSilent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	bob := New(s, "bob222", discard)
	_ = s.Write(ctx, models.InboxPath("bob222"), []byte(`{"kind":"chat","payload":"old"}`))

	if err := bob.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Read(ctx, models.InboxPath("bob222")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("inbox still present: %v", err)
	}

	in, _ := bob.ObserveInbox(ctx)
	defer in.Close()
	expectNothing(t, in)
}

func TestSendRejectsUnknownKind(t *testing.T) {
	s := store.NewMemoryStore()
	alice := New(s, "alice1", discard)
	err := alice.Send(context.Background(), "bob222", models.SignalEnvelope{Kind: "bogus"})
	if !errors.Is(err, models.ErrInvalidEnvelope) {
		t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
	}
}
