// Package ledger owns a user's published matchmaking status.
//
// The ledger never surfaces a decode error to its observer. A status that is
// missing, undecodable or breaks the participant invariant is replaced by a
// fresh seeking record, and the observer is told the user is seeking. An
// observer can therefore never be left in a state it does not understand.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

// Ledger publishes and observes one user's StatusRecord.
type Ledger struct {
	store  store.Store
	self   string
	logger *slog.Logger
}

// New returns the ledger for user self.
func New(s store.Store, self string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, self: self, logger: logger.With("user", self)}
}

// Self returns the id whose status this ledger owns.
func (l *Ledger) Self() string {
	return l.self
}

// Publish overwrites the caller's own status. Publishing the same record
// twice only re-triggers watchers.
func (l *Ledger) Publish(ctx context.Context, kind models.StatusKind, participant string) error {
	return l.PublishFor(ctx, l.self, models.StatusRecord{Kind: kind, Participant: participant})
}

// PublishFor overwrites another user's status. Only the matchmaker (received)
// and a departing partner (seeking) write someone else's record.
func (l *Ledger) PublishFor(ctx context.Context, user string, rec models.StatusRecord) error {
	data, err := models.EncodeStatus(rec)
	if err != nil {
		return err
	}
	if err := l.store.Write(ctx, models.StatusPath(user), data); err != nil {
		return fmt.Errorf("publish %s for %s: %w", rec.Kind, user, err)
	}
	l.logger.Debug("status published", "target", user, "kind", rec.Kind, "participant", rec.Participant)
	return nil
}

// Refresh keeps the owner's status alive in a store that expires keys. A
// status that already expired is written again as rec, which the owner's
// observer then reports like any other change.
func (l *Ledger) Refresh(ctx context.Context, rec models.StatusRecord) error {
	err := l.store.Touch(ctx, models.StatusPath(l.self))
	if errors.Is(err, store.ErrNotFound) {
		l.logger.Info("status expired, republishing", "kind", rec.Kind)
		return l.PublishFor(ctx, l.self, rec)
	}
	if err != nil {
		return fmt.Errorf("refresh status: %w", err)
	}
	return nil
}

// Observer delivers the owner's status, latest value first.
type Observer struct {
	sub    store.Subscription
	box    *store.Mailbox[models.StatusRecord]
	cancel context.CancelFunc
	done   chan struct{}
}

// C is closed when the underlying watch ends.
func (o *Observer) C() <-chan models.StatusRecord {
	return o.box.C()
}

// Err reports why the watch ended, if it ended on its own.
func (o *Observer) Err() error {
	return o.sub.Err()
}

func (o *Observer) Close() {
	o.cancel()
	o.sub.Close()
	<-o.done
}

// ObserveSelf starts a fresh session for the owner: it clears the owner's
// inbox, publishes seeking and then watches the owner's status until Close.
func (l *Ledger) ObserveSelf(ctx context.Context) (*Observer, error) {
	if err := l.store.Delete(ctx, models.InboxPath(l.self)); err != nil {
		return nil, fmt.Errorf("clear inbox: %w", err)
	}
	if err := l.Publish(ctx, models.StatusSeeking, ""); err != nil {
		return nil, err
	}

	sub, err := l.store.Watch(ctx, models.StatusPath(l.self))
	if err != nil {
		return nil, fmt.Errorf("watch status: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &Observer{
		sub:    sub,
		box:    store.NewMailbox[models.StatusRecord](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.forward(ctx, o)
	return o, nil
}

func (l *Ledger) forward(ctx context.Context, o *Observer) {
	defer close(o.done)
	defer o.box.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-o.sub.Changes():
			if !ok {
				return
			}
			o.box.Put(l.decode(ctx, change))
		}
	}
}

// decode turns a change into a record, healing anything unusable to seeking.
func (l *Ledger) decode(ctx context.Context, change store.Change) models.StatusRecord {
	if change.Exists {
		rec, err := models.DecodeStatus(change.Value)
		if err == nil {
			return rec
		}
		l.logger.Warn("malformed status, republishing seeking", "err", err)
	} else {
		l.logger.Info("status missing, republishing seeking")
	}

	if err := l.Publish(ctx, models.StatusSeeking, ""); err != nil {
		l.logger.Warn("self-heal publish failed", "err", err)
	}
	return models.Seeking()
}
