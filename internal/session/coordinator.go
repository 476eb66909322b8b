// Package session drives one user's match lifecycle.
//
// A Coordinator owns a single event loop. Every input (status observations,
// inbox envelopes, transport callbacks, local commands and timers) is handled
// on that loop, one at a time, so the state, the transport and the transcript
// are never touched concurrently. Transport callbacks are tagged with the
// generation of the session that produced them; callbacks from a torn-down
// session are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-matchmaker/internal/ledger"
	"github.com/mossy-p/webrtc-matchmaker/internal/matchmaker"
	"github.com/mossy-p/webrtc-matchmaker/internal/models"
	"github.com/mossy-p/webrtc-matchmaker/internal/relay"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
	"github.com/mossy-p/webrtc-matchmaker/internal/transport"
)

var (
	// ErrNotRunning is returned by commands issued while Run is not active.
	ErrNotRunning = errors.New("session: coordinator not running")
	// ErrNoPartner is returned by SendChat without an active session.
	ErrNoPartner = errors.New("session: no active partner")
)

const (
	eventBuffer     = 64
	maxEarlyBuffer  = 32
	defaultPacing   = 200 * time.Millisecond
	defaultTimeout  = 20 * time.Second
	defaultInterval = 3 * time.Second
	defaultTick     = 250 * time.Millisecond
	defaultOpTime   = 5 * time.Second
	defaultRefresh  = time.Minute
)

// Config tunes the coordinator's timing. Zero values take the defaults.
type Config struct {
	// SignalPacing is the minimum gap between two envelopes to the partner.
	SignalPacing time.Duration
	// HandshakeTimeout bounds how long a pairing may stay unconnected.
	HandshakeTimeout time.Duration
	// SearchInterval is the base delay between searches while seeking. Retries
	// add up to one more interval of jitter.
	SearchInterval time.Duration
	// TickInterval is how often timers are checked.
	TickInterval time.Duration
	// OperationTimeout bounds each store write.
	OperationTimeout time.Duration
	// StatusRefresh is how often a seeking or connected status is renewed.
	// It must be well below the store's key expiry.
	StatusRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.SignalPacing < 0 {
		c.SignalPacing = 0
	} else if c.SignalPacing == 0 {
		c.SignalPacing = defaultPacing
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultTimeout
	}
	if c.SearchInterval <= 0 {
		c.SearchInterval = defaultInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTick
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOpTime
	}
	if c.StatusRefresh <= 0 {
		c.StatusRefresh = defaultRefresh
	}
	return c
}

// Snapshot is a copy of the coordinator's user-visible state.
type Snapshot struct {
	UserID       string            `json:"userId"`
	State        string            `json:"state"`
	Partner      string            `json:"partner,omitempty"`
	Role         string            `json:"role,omitempty"`
	RemoteStream string            `json:"remoteStream,omitempty"`
	Transcript   []models.ChatItem `json:"transcript"`
}

// Coordinator is the SessionCoordinator for one user.
type Coordinator struct {
	self       string
	ledger     *ledger.Ledger
	matchmaker *matchmaker.Matchmaker
	relay      *relay.Relay
	factory    transport.Factory
	config     Config
	logger     *slog.Logger

	commands chan command
	events   chan transportEvent
	running  atomic.Bool
	started  chan struct{}
	done     chan struct{}

	// Owned by the loop.
	state        State
	stateSince   time.Time
	session      *matchSession
	generation   uint64
	wantIdle     bool
	proposedTo   string
	proposedAt   time.Time
	nextSearchAt time.Time
	refreshAt    time.Time
	early        earlyBuffer
	transcript   []models.ChatItem
	remoteStream string

	mu          sync.Mutex
	snapshot    Snapshot
	subscribers map[*store.Mailbox[Snapshot]]struct{}
}

// matchSession is the live pairing with one partner: its transport, the
// outbound queue and the candidates that arrived before the remote
// description.
type matchSession struct {
	partner    string
	role       transport.Role
	generation uint64
	transport  transport.Transport
	outbox     *outbox
	remoteSet  bool
	pending    []string
}

// earlyBuffer holds signalling that arrived before the status telling us who
// our partner is. Only the latest sender is kept.
type earlyBuffer struct {
	from       string
	offer      *string
	candidates []string
}

type commandKind int

const (
	cmdSearch commandKind = iota
	cmdNext
	cmdStop
	cmdChat
)

type command struct {
	kind  commandKind
	text  string
	reply chan error
}

type eventKind int

const (
	eventCandidate eventKind = iota
	eventState
	eventStream
)

type transportEvent struct {
	generation uint64
	kind       eventKind
	candidate  string
	state      transport.ConnectionState
	stream     string
}

// New builds a coordinator for the ledger's owner. Nothing happens until Run.
func New(l *ledger.Ledger, m *matchmaker.Matchmaker, r *relay.Relay, factory transport.Factory, config Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		self:        l.Self(),
		ledger:      l,
		matchmaker:  m,
		relay:       r,
		factory:     factory,
		config:      config.withDefaults(),
		logger:      logger.With("user", l.Self()),
		commands:    make(chan command),
		events:      make(chan transportEvent, eventBuffer),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       idleState(),
		subscribers: make(map[*store.Mailbox[Snapshot]]struct{}),
	}
	c.snapshot = Snapshot{UserID: c.self, State: c.state.Phase.String(), Transcript: []models.ChatItem{}}
	return c
}

// Self returns the coordinator's user id.
func (c *Coordinator) Self() string {
	return c.self
}

// Run starts a fresh session for the user and processes events until ctx is
// cancelled. On the way out it releases the transport and publishes idle.
// Run may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: coordinator already started")
	}
	defer close(c.done)

	// The inbox watch starts first so an offer sent right after our seeking
	// status is visible is not missed.
	inbox, err := c.relay.ObserveInbox(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if inbox != nil {
			inbox.Close()
		}
	}()

	status, err := c.ledger.ObserveSelf(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if status != nil {
			status.Close()
		}
	}()

	c.logger.Info("session started")
	close(c.started)
	defer c.shutdown()

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	statusC := status.C()
	inboxC := inbox.C()
	for {
		select {
		case <-ctx.Done():
			return nil

		case rec, ok := <-statusC:
			if !ok {
				c.logger.Warn("status watch ended", "err", status.Err())
				status.Close()
				status, statusC = nil, nil
				continue
			}
			c.onStatus(ctx, rec)

		case env, ok := <-inboxC:
			if !ok {
				c.logger.Warn("inbox watch ended", "err", inbox.Err())
				inbox.Close()
				inbox, inboxC = nil, nil
				continue
			}
			c.onEnvelope(ctx, env)

		case ev := <-c.events:
			c.onTransportEvent(ctx, ev)

		case cmd := <-c.commands:
			cmd.reply <- c.onCommand(ctx, cmd)

		case <-ticker.C:
			if statusC == nil {
				if status, err = c.ledger.ObserveSelf(ctx); err != nil {
					c.logger.Warn("status watch restart failed", "err", err)
					status = nil
				} else {
					statusC = status.C()
				}
			}
			if inboxC == nil {
				if inbox, err = c.relay.ObserveInbox(ctx); err != nil {
					c.logger.Warn("inbox watch restart failed", "err", err)
					inbox = nil
				} else {
					inboxC = inbox.C()
				}
			}
			c.onTick(ctx)
		}
	}
}

func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.OperationTimeout)
	defer cancel()

	if c.state.Phase == PhaseConnected {
		c.resetPartner(ctx, c.state.Partner)
	}
	c.destroySession()
	if err := c.ledger.Publish(ctx, models.StatusIdle, ""); err != nil {
		c.logger.Warn("publish idle on shutdown failed", "err", err)
	}
	c.setState(idleState())
	c.logger.Info("session stopped")
}

// Search makes the user available for matching and looks for a partner now.
func (c *Coordinator) Search(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdSearch})
}

// Next leaves the current partner, who is put back to seeking, and looks for
// a new one.
func (c *Coordinator) Next(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdNext})
}

// Stop leaves the current partner and makes the user unavailable.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStop})
}

// SendChat appends text to the transcript and sends it to the partner.
func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	return c.do(ctx, command{kind: cmdChat, text: text})
}

func (c *Coordinator) do(ctx context.Context, cmd command) error {
	select {
	case <-c.started:
	default:
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest user-visible state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe returns a channel carrying the latest snapshot after every
// change, starting with the current one. Slow readers only see the newest
// snapshot. The returned func unsubscribes.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	box := store.NewMailbox[Snapshot]()
	c.mu.Lock()
	c.subscribers[box] = struct{}{}
	box.Put(c.snapshot)
	c.mu.Unlock()

	var once sync.Once
	return box.C(), func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, box)
			c.mu.Unlock()
			box.Close()
		})
	}
}

func (c *Coordinator) publishSnapshot() {
	snap := Snapshot{
		UserID:       c.self,
		State:        c.state.Phase.String(),
		Partner:      c.state.Partner,
		RemoteStream: c.remoteStream,
		Transcript:   append([]models.ChatItem{}, c.transcript...),
	}
	if c.session != nil {
		snap.Role = c.session.role.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
	for box := range c.subscribers {
		box.Put(snap)
	}
}

func (c *Coordinator) setState(s State) {
	if s != c.state {
		c.logger.Info("state changed", "from", c.state.String(), "to", s.String())
		c.state = s
		c.stateSince = time.Now()
	}
	c.publishSnapshot()
}

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

func (c *Coordinator) publish(ctx context.Context, kind models.StatusKind) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.ledger.Publish(ctx, kind, ""); err != nil {
		c.logger.Warn("publish failed", "kind", kind, "err", err)
	}
}

// resetPartner puts a departed partner back to seeking. Best effort.
func (c *Coordinator) resetPartner(ctx context.Context, partner string) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.ledger.PublishFor(ctx, partner, models.Seeking()); err != nil {
		c.logger.Warn("reset partner failed", "partner", partner, "err", err)
	}
}

func (c *Coordinator) onCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdSearch:
		c.wantIdle = false
		c.clearInbox(ctx)
		c.publish(ctx, models.StatusSeeking)
		c.enterSeeking(ctx, true)
		return nil

	case cmdNext:
		c.wantIdle = false
		if c.state.Phase == PhaseConnected {
			c.resetPartner(ctx, c.state.Partner)
		}
		c.destroySession()
		c.clearInbox(ctx)
		c.publish(ctx, models.StatusSeeking)
		c.enterSeeking(ctx, true)
		return nil

	case cmdStop:
		c.wantIdle = true
		partner, connected := c.state.Partner, c.state.Phase == PhaseConnected
		c.destroySession()
		c.resetTranscript()
		c.proposedTo = ""
		c.early = earlyBuffer{}
		if connected {
			c.resetPartner(ctx, partner)
		}
		c.publish(ctx, models.StatusIdle)
		c.setState(idleState())
		return nil

	case cmdChat:
		if c.session == nil || !c.state.HasPartner() {
			return ErrNoPartner
		}
		c.transcript = append(c.transcript, models.ChatItem{Text: cmd.text, IsMine: true})
		c.session.outbox.send(models.SignalEnvelope{Kind: models.SignalKindChat, Payload: cmd.text})
		c.publishSnapshot()
		return nil

	default:
		return fmt.Errorf("session: unknown command %d", cmd.kind)
	}
}

// enterSeeking drops any pairing and returns to seeking. The status is not
// published here. With now set the search runs immediately, otherwise it is
// scheduled after a jittered delay so two users recovering from the same
// failure do not collide again.
func (c *Coordinator) enterSeeking(ctx context.Context, now bool) {
	c.destroySession()
	c.resetTranscript()
	c.proposedTo = ""
	c.setState(seekingState())
	if now {
		c.search(ctx)
		return
	}
	c.nextSearchAt = time.Now().Add(c.jitter())
}

// abandon returns to seeking after a failed or abandoned pairing.
func (c *Coordinator) abandon(ctx context.Context, reason string, err error) {
	c.logger.Warn("pairing abandoned", "state", c.state.String(), "reason", reason, "err", err)
	c.publish(ctx, models.StatusSeeking)
	c.enterSeeking(ctx, false)
}

func (c *Coordinator) jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(c.config.SearchInterval)))
}

func (c *Coordinator) search(ctx context.Context) {
	if c.state.Phase != PhaseSeeking || c.wantIdle {
		return
	}
	if c.proposedTo != "" && time.Since(c.proposedAt) < c.config.HandshakeTimeout {
		return
	}
	c.nextSearchAt = time.Now().Add(c.config.SearchInterval + c.jitter())

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	partner, ok := c.matchmaker.Next(ctx)
	if !ok {
		c.logger.Debug("no partner available")
		return
	}
	c.proposedTo = partner
	c.proposedAt = time.Now()
}

func (c *Coordinator) onTick(ctx context.Context) {
	now := time.Now()
	if !now.Before(c.refreshAt) {
		c.refreshStatus(ctx)
	}
	switch {
	case c.state.Handshaking() && now.Sub(c.stateSince) > c.config.HandshakeTimeout:
		c.abandon(ctx, "handshake timeout", nil)
	case c.state.Phase == PhaseSeeking && !now.Before(c.nextSearchAt):
		c.search(ctx)
	default:
	}
}

// refreshStatus keeps a seeking or connected status from expiring in the
// store.
func (c *Coordinator) refreshStatus(ctx context.Context) {
	c.refreshAt = time.Now().Add(c.config.StatusRefresh)

	var rec models.StatusRecord
	switch c.state.Phase {
	case PhaseSeeking:
		rec = models.Seeking()
	case PhaseConnected:
		rec = models.Connected()
	default:
		return
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.ledger.Refresh(ctx, rec); err != nil {
		c.logger.Warn("status refresh failed", "err", err)
	}
}

// clearInbox drops anything left in our inbox by earlier partners.
func (c *Coordinator) clearInbox(ctx context.Context) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.relay.Clear(ctx); err != nil {
		c.logger.Warn("clear inbox failed", "err", err)
	}
}

func (c *Coordinator) resetTranscript() {
	c.transcript = nil
	c.remoteStream = ""
}

// destroySession closes the transport synchronously. No transport event from
// the closed session is acted on afterwards.
func (c *Coordinator) destroySession() {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	s.outbox.stop()
	if err := s.transport.Close(); err != nil {
		c.logger.Warn("transport close failed", "partner", s.partner, "err", err)
	}
	c.logger.Debug("transport released", "partner", s.partner, "generation", s.generation)
}

// newSession replaces any current session with a fresh transport for partner.
// Buffered early signalling from partner moves into the new session.
func (c *Coordinator) newSession(ctx context.Context, partner string, role transport.Role) error {
	c.destroySession()

	c.generation++
	gen := c.generation
	t, err := c.factory.NewTransport(role, transport.Events{
		OnLocalCandidate: func(candidate string) {
			c.post(transportEvent{generation: gen, kind: eventCandidate, candidate: candidate})
		},
		OnConnectionStateChanged: func(state transport.ConnectionState) {
			c.post(transportEvent{generation: gen, kind: eventState, state: state})
		},
		OnRemoteStreamAdded: func(stream string) {
			c.post(transportEvent{generation: gen, kind: eventStream, stream: stream})
		},
	})
	if err != nil {
		return err
	}

	c.session = &matchSession{
		partner:    partner,
		role:       role,
		generation: gen,
		transport:  t,
		outbox:     newOutbox(ctx, c.relay, partner, c.config.SignalPacing, c.logger),
	}
	if c.early.from == partner {
		c.session.pending = c.early.candidates
		if c.early.offer == nil {
			c.early = earlyBuffer{}
		} else {
			c.early.candidates = nil
		}
	} else {
		c.early = earlyBuffer{}
	}
	c.logger.Debug("transport created", "partner", partner, "role", role.String(), "generation", gen)
	return nil
}

// post hands a transport callback to the loop. It never blocks the caller:
// transports may call back while the loop is inside one of their methods.
func (c *Coordinator) post(ev transportEvent) {
	select {
	case c.events <- ev:
	default:
		go func() {
			select {
			case c.events <- ev:
			case <-c.done:
			}
		}()
	}
}

func (c *Coordinator) onTransportEvent(ctx context.Context, ev transportEvent) {
	s := c.session
	if s == nil || ev.generation != s.generation {
		return
	}

	switch ev.kind {
	case eventCandidate:
		s.outbox.send(models.SignalEnvelope{Kind: models.SignalKindIceCandidate, Payload: ev.candidate})

	case eventStream:
		c.remoteStream = ev.stream
		c.logger.Info("remote stream added", "partner", s.partner, "stream", ev.stream)
		c.publishSnapshot()

	case eventState:
		switch {
		case ev.state == transport.StateConnected:
			c.onConnected(ctx)
		case ev.state.Terminal():
			c.abandon(ctx, "transport "+ev.state.String(), nil)
		default:
		}
	}
}

func (c *Coordinator) onConnected(ctx context.Context) {
	switch c.state.Phase {
	case PhaseAwaitingAnswer, PhaseAwaitingOffer:
		partner := c.state.Partner
		c.publish(ctx, models.StatusConnected)
		c.clearInbox(ctx)
		c.proposedTo = ""
		c.setState(partnerState(PhaseConnected, partner))
	default:
	}
}
