package session

import (
	"context"

	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/transport"
)

// onStatus reacts to the user's own status record. The last observed status
// wins: a pairing it contradicts is torn down.
func (c *Coordinator) onStatus(ctx context.Context, rec models.StatusRecord) {
	if rec.Participant == c.self {
		c.logger.Warn("ignoring status naming ourselves", "kind", rec.Kind)
		return
	}

	switch rec.Kind {
	case models.StatusIdle:
		if c.state.Phase == PhaseIdle {
			return
		}
		c.destroySession()
		c.resetTranscript()
		c.proposedTo = ""
		c.setState(idleState())

	case models.StatusSeeking:
		switch {
		case c.wantIdle:
			// Someone still thinks we are their partner. We asked to be left alone.
			c.publish(ctx, models.StatusIdle)
		case c.state.Phase == PhaseSeeking:
		case c.state.HasPartner():
			c.logger.Info("partner left", "partner", c.state.Partner)
			c.enterSeeking(ctx, true)
		default:
			c.enterSeeking(ctx, true)
		}

	case models.StatusOffered:
		if c.wantIdle {
			c.publish(ctx, models.StatusIdle)
			return
		}
		c.onOffered(ctx, rec.Participant)

	case models.StatusReceived:
		if c.wantIdle {
			c.publish(ctx, models.StatusIdle)
			return
		}
		c.onReceived(ctx, rec.Participant)

	case models.StatusConnected:
		// Our own echo after the transport connected.
		if c.state.Phase != PhaseConnected {
			c.logger.Debug("ignoring connected status", "state", c.state.String())
		}

	default:
	}
}

// onOffered handles offered(p). If we proposed to p we become the offerer
// immediately; otherwise we hold in Offering until p's side moves or the
// handshake times out.
func (c *Coordinator) onOffered(ctx context.Context, partner string) {
	if c.state.Partner == partner && c.session != nil && c.session.role == transport.RoleOfferer {
		return
	}
	if c.state.Phase == PhaseOffering && c.state.Partner == partner && c.proposedTo != partner {
		return
	}

	c.destroySession()
	if c.state.Partner != partner {
		c.resetTranscript()
	}
	c.setState(partnerState(PhaseOffering, partner))
	if c.proposedTo != partner {
		c.logger.Info("offered without a pending proposal, waiting", "partner", partner)
		return
	}
	c.initiate(ctx, partner)
}

// initiate creates the offerer transport and sends the offer.
func (c *Coordinator) initiate(ctx context.Context, partner string) {
	if err := c.newSession(ctx, partner, transport.RoleOfferer); err != nil {
		c.abandon(ctx, "create offerer", err)
		return
	}
	opCtx, cancel := c.opContext(ctx)
	sdp, err := c.session.transport.CreateOffer(opCtx)
	cancel()
	if err != nil {
		c.abandon(ctx, "create offer", err)
		return
	}
	c.session.outbox.send(models.SignalEnvelope{Kind: models.SignalKindOffer, Payload: sdp})
	c.setState(partnerState(PhaseAwaitingAnswer, partner))
}

// onReceived handles received(p): p proposed to us and we answer.
func (c *Coordinator) onReceived(ctx context.Context, partner string) {
	if c.state.Phase == PhaseAwaitingOffer && c.state.Partner == partner {
		return
	}
	c.becomeAnswerer(ctx, partner)
}

func (c *Coordinator) becomeAnswerer(ctx context.Context, partner string) {
	if c.state.Partner != partner {
		c.resetTranscript()
	}
	if err := c.newSession(ctx, partner, transport.RoleAnswerer); err != nil {
		c.abandon(ctx, "create answerer", err)
		return
	}
	c.setState(partnerState(PhaseAwaitingOffer, partner))

	if offer := c.early.offer; offer != nil && c.early.from == partner {
		c.early = earlyBuffer{}
		c.applyOffer(ctx, *offer)
	}
}

// onEnvelope dispatches an inbox envelope. Envelopes that make no sense in
// the current state are dropped.
func (c *Coordinator) onEnvelope(ctx context.Context, env models.SignalEnvelope) {
	if !c.state.HasPartner() || (env.From != "" && env.From != c.state.Partner) {
		c.bufferEarly(env)
		return
	}

	switch env.Kind {
	case models.SignalKindOffer:
		switch c.state.Phase {
		case PhaseAwaitingOffer:
			c.applyOffer(ctx, env.Payload)
		case PhaseAwaitingAnswer:
			c.onGlare(ctx, env.Payload)
		case PhaseOffering:
			c.bufferEarly(env)
		default:
			c.logger.Debug("ignoring offer", "state", c.state.String())
		}

	case models.SignalKindAnswer:
		if c.state.Phase != PhaseAwaitingAnswer || c.session == nil || c.session.remoteSet {
			c.logger.Debug("ignoring answer", "state", c.state.String())
			return
		}
		opCtx, cancel := c.opContext(ctx)
		err := c.session.transport.SetRemoteDescription(opCtx, transport.Description{Kind: transport.DescriptionAnswer, SDP: env.Payload})
		cancel()
		if err != nil {
			c.abandon(ctx, "apply answer", err)
			return
		}
		c.session.remoteSet = true
		c.flushCandidates(ctx)

	case models.SignalKindIceCandidate:
		if c.session == nil {
			c.bufferEarly(env)
			return
		}
		if !c.session.remoteSet {
			if len(c.session.pending) < maxEarlyBuffer {
				c.session.pending = append(c.session.pending, env.Payload)
			}
			return
		}
		c.addCandidate(ctx, env.Payload)

	case models.SignalKindChat:
		c.transcript = append(c.transcript, models.ChatItem{Text: env.Payload, IsMine: false})
		c.publishSnapshot()

	default:
	}
}

// bufferEarly keeps an offer or candidates from a sender we are not yet
// paired with, in case their received status is about to reach us.
func (c *Coordinator) bufferEarly(env models.SignalEnvelope) {
	if c.wantIdle || env.From == "" {
		c.logger.Debug("dropping envelope", "kind", env.Kind, "state", c.state.String())
		return
	}
	if c.state.Phase == PhaseConnected {
		c.logger.Debug("dropping envelope", "kind", env.Kind, "from", env.From, "state", c.state.String())
		return
	}
	if c.early.from != env.From {
		c.early = earlyBuffer{from: env.From}
	}
	switch env.Kind {
	case models.SignalKindOffer:
		payload := env.Payload
		c.early.offer = &payload
	case models.SignalKindIceCandidate:
		if len(c.early.candidates) < maxEarlyBuffer {
			c.early.candidates = append(c.early.candidates, env.Payload)
		}
	default:
		c.logger.Debug("dropping envelope", "kind", env.Kind, "from", env.From)
	}
}

// applyOffer sets the partner's offer and sends our answer.
func (c *Coordinator) applyOffer(ctx context.Context, sdp string) {
	s := c.session
	if s == nil || s.role != transport.RoleAnswerer {
		return
	}
	if s.remoteSet {
		c.logger.Debug("ignoring repeated offer", "partner", s.partner)
		return
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := s.transport.SetRemoteDescription(opCtx, transport.Description{Kind: transport.DescriptionOffer, SDP: sdp}); err != nil {
		c.abandon(ctx, "apply offer", err)
		return
	}
	s.remoteSet = true
	c.flushCandidates(ctx)

	answer, err := s.transport.CreateAnswer(opCtx)
	if err != nil {
		c.abandon(ctx, "create answer", err)
		return
	}
	s.outbox.send(models.SignalEnvelope{Kind: models.SignalKindAnswer, Payload: answer})
}

// onGlare handles an offer from the partner we are offering to. Both sides
// apply the same rule, so exactly one of them yields: the larger id answers,
// the smaller keeps waiting for its answer.
func (c *Coordinator) onGlare(ctx context.Context, sdp string) {
	partner := c.state.Partner
	if c.self < partner {
		c.logger.Debug("glare, keeping offerer role", "partner", partner)
		return
	}
	c.logger.Info("glare, yielding to partner's offer", "partner", partner)
	c.early = earlyBuffer{}
	c.becomeAnswerer(ctx, partner)
	if c.session != nil && c.state.Phase == PhaseAwaitingOffer {
		c.applyOffer(ctx, sdp)
	}
}

func (c *Coordinator) flushCandidates(ctx context.Context) {
	pending := c.session.pending
	c.session.pending = nil
	for _, cand := range pending {
		c.addCandidate(ctx, cand)
	}
}

// addCandidate applies one remote candidate. A bad candidate is not fatal;
// the connection may still succeed through others.
func (c *Coordinator) addCandidate(ctx context.Context, candidate string) {
	if c.session == nil {
		return
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.session.transport.AddCandidate(opCtx, candidate); err != nil {
		c.logger.Warn("add candidate failed", "partner", c.session.partner, "err", err)
	}
}
