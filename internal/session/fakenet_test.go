package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-matchmaker/internal/transport"
)

const fakeSDPPrefix = "fake-sdp:"

// fakeNet links fake transports the way a real network would: an offerer
// connects once it applies an answer produced by a live answerer that applied
// its offer. Closing one side disconnects the other.
type fakeNet struct {
	mu         sync.Mutex
	seq        int
	transports map[string]*fakeTransport
	byUser     map[string][]*fakeTransport
	live       map[string]int
	maxLive    map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		transports: make(map[string]*fakeTransport),
		byUser:     make(map[string][]*fakeTransport),
		live:       make(map[string]int),
		maxLive:    make(map[string]int),
	}
}

type fakeFactory struct {
	net  *fakeNet
	user string
	fail atomic.Bool
}

func (n *fakeNet) factory(user string) *fakeFactory {
	return &fakeFactory{net: n, user: user}
}

func (f *fakeFactory) NewTransport(role transport.Role, events transport.Events) (transport.Transport, error) {
	if f.fail.Load() {
		return nil, transport.NewError("create peer connection", errors.New("no media devices"))
	}
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	t := &fakeTransport{
		net:    n,
		id:     fmt.Sprintf("%s#%d", f.user, n.seq),
		user:   f.user,
		role:   role,
		events: events,
	}
	n.transports[t.id] = t
	n.byUser[f.user] = append(n.byUser[f.user], t)
	n.live[f.user]++
	if n.live[f.user] > n.maxLive[f.user] {
		n.maxLive[f.user] = n.live[f.user]
	}
	return t, nil
}

func (n *fakeNet) created(user string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byUser[user])
}

func (n *fakeNet) liveCount(user string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live[user]
}

func (n *fakeNet) maxLiveCount(user string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxLive[user]
}

// latest returns the most recently created transport of user, or nil.
func (n *fakeNet) latest(user string) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := n.byUser[user]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type fakeTransport struct {
	net    *fakeNet
	id     string
	user   string
	role   transport.Role
	events transport.Events

	// Guarded by net.mu.
	closed     bool
	localSDP   string
	remote     *transport.Description
	remoteID   string
	candidates []string
	peer       *fakeTransport
}

func (t *fakeTransport) CreateOffer(context.Context) (string, error) {
	t.net.mu.Lock()
	if t.closed || t.role != transport.RoleOfferer {
		t.net.mu.Unlock()
		return "", transport.NewError("create offer", errors.New("invalid state"))
	}
	t.localSDP = fakeSDPPrefix + t.id
	t.net.mu.Unlock()
	t.emitCandidate()
	return fakeSDPPrefix + t.id, nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (string, error) {
	t.net.mu.Lock()
	if t.closed || t.remote == nil || t.remote.Kind != transport.DescriptionOffer {
		t.net.mu.Unlock()
		return "", transport.NewError("create answer", errors.New("no remote offer"))
	}
	t.localSDP = fakeSDPPrefix + t.id
	t.net.mu.Unlock()
	t.emitCandidate()
	return fakeSDPPrefix + t.id, nil
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, desc transport.Description) error {
	if !strings.HasPrefix(desc.SDP, fakeSDPPrefix) {
		return transport.NewError("set remote description", errors.New("malformed sdp"))
	}
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return transport.NewError("set remote description", errors.New("closed"))
	}
	t.remote = &desc
	t.remoteID = strings.TrimPrefix(desc.SDP, fakeSDPPrefix)

	var peer *fakeTransport
	if t.role == transport.RoleOfferer && desc.Kind == transport.DescriptionAnswer {
		p := n.transports[t.remoteID]
		if p != nil && !p.closed && p.remoteID == t.id && p.localSDP != "" {
			t.peer, p.peer = p, t
			peer = p
		}
	}
	n.mu.Unlock()

	if peer != nil {
		go t.fire(transport.StateConnected)
		go peer.fire(transport.StateConnected)
	}
	return nil
}

func (t *fakeTransport) AddCandidate(_ context.Context, candidate string) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) Close() error {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return nil
	}
	t.closed = true
	n.live[t.user]--
	peer := t.peer
	peerAlive := peer != nil && !peer.closed
	n.mu.Unlock()

	if peerAlive {
		go peer.fire(transport.StateDisconnected)
	}
	return nil
}

func (t *fakeTransport) emitCandidate() {
	if t.events.OnLocalCandidate != nil {
		go t.events.OnLocalCandidate(`{"candidate":"host ` + t.id + `"}`)
	}
}

// fire reports a connection state as the real transport would.
func (t *fakeTransport) fire(state transport.ConnectionState) {
	if t.events.OnConnectionStateChanged != nil {
		t.events.OnConnectionStateChanged(state)
	}
}

func (t *fakeTransport) isClosed() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteDescription() (transport.Description, bool) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.remote == nil {
		return transport.Description{}, false
	}
	return *t.remote, true
}

func (t *fakeTransport) addedCandidates() []string {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return append([]string(nil), t.candidates...)
}
