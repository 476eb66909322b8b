package matchmaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mossy-p/webrtc-matchmaker/internal/ledger"
	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

// Matchmaker finds a seeking partner and pairs with it.
//
// Pairing is two independent writes with no transaction. Two users can
// propose to each other (or to the same third user) at once; the session
// coordinators converge afterwards because each acts on the last status it
// observes.
type Matchmaker struct {
	store  store.Store
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New returns a matchmaker acting for the ledger's owner.
func New(s store.Store, l *ledger.Ledger, logger *slog.Logger) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matchmaker{store: s, ledger: l, logger: logger.With("user", l.Self())}
}

// FindPartner returns the first seeking user other than the caller, in store
// iteration order. Query failures are logged and reported as no candidate:
// the caller retries later either way.
func (m *Matchmaker) FindPartner(ctx context.Context) (string, bool) {
	entries, err := m.store.QueryEqual(ctx, models.UsersCollection, models.StatusKindField, string(models.StatusSeeking))
	if err != nil {
		m.logger.Warn("candidate query failed", "err", err)
		return "", false
	}
	self := m.ledger.Self()
	for _, e := range entries {
		if e.Key != self {
			return e.Key, true
		}
	}
	return "", false
}

// ProposeMatch marks the caller offered(target) and the target received(caller).
func (m *Matchmaker) ProposeMatch(ctx context.Context, target string) error {
	self := m.ledger.Self()
	if target == "" || target == self {
		return fmt.Errorf("propose match: invalid target %q", target)
	}
	if err := m.ledger.Publish(ctx, models.StatusOffered, target); err != nil {
		return fmt.Errorf("propose match to %s: %w", target, err)
	}
	if err := m.ledger.PublishFor(ctx, target, models.Received(self)); err != nil {
		return fmt.Errorf("propose match to %s: %w", target, err)
	}
	m.logger.Info("proposed match", "partner", target)
	return nil
}

// Next looks for a partner and proposes to it. It returns the partner, or
// false when nobody is seeking or the proposal could not be written.
func (m *Matchmaker) Next(ctx context.Context) (string, bool) {
	target, ok := m.FindPartner(ctx)
	if !ok {
		return "", false
	}
	if err := m.ProposeMatch(ctx, target); err != nil {
		m.logger.Warn("proposal failed", "partner", target, "err", err)
		return "", false
	}
	return target, true
}
