package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
)

func newTestFactory(t *testing.T) *PionFactory {
	t.Helper()
	f, err := NewPionFactory(PionConfig{LogLevel: logging.LogLevelDisabled}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return f
}

func TestPionTransport_OfferAnswerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f := newTestFactory(t)

	offerer, err := f.NewTransport(RoleOfferer, Events{})
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()

	answerer, err := f.NewTransport(RoleAnswerer, Events{})
	if err != nil {
		t.Fatalf("answerer: %v", err)
	}
	defer answerer.Close()

	offer, err := offerer.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if !strings.Contains(offer, "m=audio") || !strings.Contains(offer, "m=video") {
		t.Fatalf("offer missing media sections:\n%s", offer)
	}

	if err := answerer.SetRemoteDescription(ctx, Description{Kind: DescriptionOffer, SDP: offer}); err != nil {
		t.Fatalf("answerer set remote: %v", err)
	}
	answer, err := answerer.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if !strings.Contains(answer, "m=audio") {
		t.Fatalf("answer missing audio section:\n%s", answer)
	}

	if err := offerer.SetRemoteDescription(ctx, Description{Kind: DescriptionAnswer, SDP: answer}); err != nil {
		t.Fatalf("offerer set remote: %v", err)
	}
}

func TestPionTransport_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)
	tr, err := f.NewTransport(RoleAnswerer, Events{})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer tr.Close()

	var terr *Error
	if err := tr.SetRemoteDescription(ctx, Description{Kind: "pranswer", SDP: "v=0"}); !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if err := tr.SetRemoteDescription(ctx, Description{Kind: DescriptionOffer}); !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if err := tr.AddCandidate(ctx, "{not json"); !errors.As(err, &terr) || terr.Op != "parse candidate" {
		t.Fatalf("err = %v, want parse candidate error", err)
	}
}

func TestPionTransport_CloseIsIdempotent(t *testing.T) {
	f := newTestFactory(t)
	tr, err := f.NewTransport(RoleOfferer, Events{})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("DEBUG") != logging.LogLevelDebug {
		t.Fatalf("debug not parsed")
	}
	if ParseLogLevel("") != logging.LogLevelDisabled {
		t.Fatalf("empty should disable")
	}
}

func TestICEServers(t *testing.T) {
	servers := ICEServers("stun:stun.example.org:3478", "turn:turn.example.org:3478", "u", "p")
	if len(servers) != 2 || servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("servers = %#v", servers)
	}
	if got := ICEServers("", "", "", ""); len(got) != 0 {
		t.Fatalf("expected no servers, got %#v", got)
	}
}

func TestConnectionStateTerminal(t *testing.T) {
	for _, s := range []ConnectionState{StateDisconnected, StateFailed, StateClosed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if StateConnected.Terminal() || StateConnecting.Terminal() {
		t.Fatalf("live states reported terminal")
	}
}
