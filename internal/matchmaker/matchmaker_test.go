package matchmaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mossy-p/webrtc-matchmaker/internal/ledger"
	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newMatchmaker(s store.Store, self string) *Matchmaker {
	return New(s, ledger.New(s, self, discard), discard)
}

func seed(t *testing.T, s store.Store, id string, rec models.StatusRecord) {
	t.Helper()
	data, err := models.EncodeStatus(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.Write(context.Background(), models.StatusPath(id), data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func status(t *testing.T, s store.Store, id string) models.StatusRecord {
	t.Helper()
	raw, err := s.Read(context.Background(), models.StatusPath(id))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rec, err := models.DecodeStatus(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

func TestFindPartner_ExcludesSelfAndNonSeeking(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "aaa", models.Seeking())
	seed(t, s, "bbb", models.Connected())
	seed(t, s, "ccc", models.Seeking())

	got, ok := newMatchmaker(s, "aaa").FindPartner(context.Background())
	if !ok || got != "ccc" {
		t.Fatalf("FindPartner = %q, %v; want ccc", got, ok)
	}
}

func TestFindPartner_NoneWhenAlone(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "aaa", models.Seeking())

	if got, ok := newMatchmaker(s, "aaa").FindPartner(context.Background()); ok {
		t.Fatalf("FindPartner = %q, want none", got)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) QueryEqual(context.Context, string, string, string) ([]store.Entry, error) {
	return nil, errors.New("connection refused")
}

func TestFindPartner_QueryFailureIsNone(t *testing.T) {
	s := failingStore{Store: store.NewMemoryStore()}
	if _, ok := newMatchmaker(s, "aaa").FindPartner(context.Background()); ok {
		t.Fatalf("expected no candidate")
	}
}

func TestProposeMatch_WritesBothRecords(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "aaa", models.Seeking())
	seed(t, s, "bbb", models.Seeking())

	if err := newMatchmaker(s, "aaa").ProposeMatch(context.Background(), "bbb"); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if got := status(t, s, "aaa"); got != models.Offered("bbb") {
		t.Fatalf("self = %#v", got)
	}
	if got := status(t, s, "bbb"); got != models.Received("aaa") {
		t.Fatalf("target = %#v", got)
	}
}

func TestProposeMatch_RejectsSelf(t *testing.T) {
	s := store.NewMemoryStore()
	if err := newMatchmaker(s, "aaa").ProposeMatch(context.Background(), "aaa"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNext(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "aaa", models.Seeking())
	m := newMatchmaker(s, "aaa")

	if _, ok := m.Next(context.Background()); ok {
		t.Fatalf("expected no proposal while alone")
	}

	seed(t, s, "bbb", models.Seeking())
	partner, ok := m.Next(context.Background())
	if !ok || partner != "bbb" {
		t.Fatalf("Next = %q, %v", partner, ok)
	}
	if got := status(t, s, "bbb"); got != models.Received("aaa") {
		t.Fatalf("target = %#v", got)
	}
}
