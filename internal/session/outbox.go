package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/relay"
)

const outboxCapacity = 64

// outbox sends a session's envelopes to the partner in order, spacing the
// writes so the partner has a chance to read each one before the next
// overwrites its inbox. Stopping the outbox drops anything still queued.
type outbox struct {
	relay   *relay.Relay
	to      string
	queue   chan models.SignalEnvelope
	limiter *rate.Limiter
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func newOutbox(ctx context.Context, r *relay.Relay, to string, pacing time.Duration, logger *slog.Logger) *outbox {
	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}
	ctx, cancel := context.WithCancel(ctx)
	o := &outbox{
		relay:   r,
		to:      to,
		queue:   make(chan models.SignalEnvelope, outboxCapacity),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

func (o *outbox) send(env models.SignalEnvelope) {
	select {
	case o.queue <- env:
	default:
		o.logger.Warn("outbox full, dropping envelope", "to", o.to, "kind", env.Kind)
	}
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-o.queue:
			if err := o.limiter.Wait(ctx); err != nil {
				return
			}
			if err := o.relay.Send(ctx, o.to, env); err != nil {
				o.logger.Warn("send failed", "to", o.to, "kind", env.Kind, "err", err)
			}
		}
	}
}

func (o *outbox) stop() {
	o.cancel()
	<-o.done
}
