// Package relay carries handshake and chat envelopes between two paired users
// through their inboxes in the shared store.
//
// An inbox is a single-slot mailbox, not a queue. Send overwrites whatever the
// recipient has not read yet, so two quick sends to the same user may deliver
// only the second. There is no acknowledgement or retry; senders pace their
// writes and the handshake tolerates lost candidates.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
)

// Relay sends to other users' inboxes and reads the owner's own.
type Relay struct {
	store  store.Store
	self   string
	logger *slog.Logger
}

// New returns the relay for user self.
func New(s store.Store, self string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: s, self: self, logger: logger.With("user", self)}
}

// Send overwrites the inbox of to with env, stamped with the sender's id.
func (r *Relay) Send(ctx context.Context, to string, env models.SignalEnvelope) error {
	env.From = r.self
	data, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.store.Write(ctx, models.InboxPath(to), data); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind, to, err)
	}
	r.logger.Debug("envelope sent", "to", to, "kind", env.Kind)
	return nil
}

// Clear empties the caller's own inbox.
func (r *Relay) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, models.InboxPath(r.self)); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	return nil
}

// Inbox delivers decoded envelopes from the caller's own inbox.
type Inbox struct {
	sub    store.Subscription
	box    *store.Mailbox[models.SignalEnvelope]
	cancel context.CancelFunc
	done   chan struct{}
}

// C is closed when the underlying watch ends.
func (i *Inbox) C() <-chan models.SignalEnvelope {
	return i.box.C()
}

// Err reports why the watch ended, if it ended on its own.
func (i *Inbox) Err() error {
	return i.sub.Err()
}

func (i *Inbox) Close() {
	i.cancel()
	i.sub.Close()
	<-i.done
}

// ObserveInbox watches the caller's inbox until Close. Cleared inboxes are
// skipped; malformed envelopes are logged and dropped.
func (r *Relay) ObserveInbox(ctx context.Context) (*Inbox, error) {
	sub, err := r.store.Watch(ctx, models.InboxPath(r.self))
	if err != nil {
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	in := &Inbox{
		sub:    sub,
		box:    store.NewMailbox[models.SignalEnvelope](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.forward(ctx, in)
	return in, nil
}

func (r *Relay) forward(ctx context.Context, in *Inbox) {
	defer close(in.done)
	defer in.box.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-in.sub.Changes():
			if !ok {
				return
			}
			if !change.Exists {
				continue
			}
			env, err := models.DecodeEnvelope(change.Value)
			if err != nil {
				r.logger.Warn("dropping malformed envelope", "err", err)
				continue
			}
			in.box.Put(env)
		}
	}
}
