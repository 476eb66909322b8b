package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Factory   = (*PionFactory)(nil)
	_ Transport = (*pionTransport)(nil)
)

// ICEMode selects how candidates reach the partner.
type ICEMode string

const (
	// ICETrickle sends every local candidate as its own envelope after the
	// description.
	ICETrickle ICEMode = "trickle"
	// ICEVanilla waits for gathering to finish and embeds all candidates in
	// the description, so the handshake survives lost candidate envelopes.
	ICEVanilla ICEMode = "vanilla"
)

// PionConfig configures PeerConnections built by PionFactory.
type PionConfig struct {
	// ICEServers is the STUN/TURN list. Empty means host candidates only.
	ICEServers []webrtc.ICEServer
	Mode       ICEMode
	// LogLevel is pion's internal log level.
	LogLevel logging.LogLevel
}

// PionFactory builds pion/webrtc transports sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config PionConfig
	logger *slog.Logger
}

func NewPionFactory(config PionConfig, logger *slog.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Mode == "" {
		config.Mode = ICETrickle
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = config.LogLevel

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
	return &PionFactory{api: api, config: config, logger: logger}, nil
}

// NewTransport creates a PeerConnection. The offerer adds a send/receive
// audio and video transceiver; the answerer mirrors whatever the offer carries.
func (f *PionFactory) NewTransport(role Role, events Events) (Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}

	if role == RoleOfferer {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				_ = pc.Close()
				return nil, NewError("add "+kind.String()+" transceiver", err)
			}
		}
	}

	t := &pionTransport{
		pc:      pc,
		vanilla: f.config.Mode == ICEVanilla,
		logger:  f.logger.With("role", role.String()),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || t.vanilla || events.OnLocalCandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Warn("failed to encode local candidate", "err", err)
			return
		}
		events.OnLocalCandidate(string(data))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed", "state", state.String())
		if events.OnConnectionStateChanged != nil {
			events.OnConnectionStateChanged(connectionStateFromPion(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteStreamAdded != nil {
			events.OnRemoteStreamAdded(track.StreamID())
		}
	})

	return t, nil
}

type pionTransport struct {
	pc      *webrtc.PeerConnection
	vanilla bool
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (t *pionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", NewError("create offer", err)
	}
	return t.setLocal(ctx, offer)
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", NewError("create answer", err)
	}
	return t.setLocal(ctx, answer)
}

// setLocal applies desc and returns the SDP to send. In vanilla mode it waits
// for gathering so the SDP carries every candidate.
func (t *pionTransport) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return "", NewError("set local description", err)
	}
	if t.vanilla {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			return "", NewError("gather candidates", ctx.Err())
		}
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return "", NewError("set local description", fmt.Errorf("no local description"))
	}
	return local.SDP, nil
}

func (t *pionTransport) SetRemoteDescription(_ context.Context, desc Description) error {
	var sdpType webrtc.SDPType
	switch desc.Kind {
	case DescriptionOffer:
		sdpType = webrtc.SDPTypeOffer
	case DescriptionAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return NewError("set remote description", fmt.Errorf("unsupported description kind %q", desc.Kind))
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return NewError("set remote description", fmt.Errorf("empty sdp"))
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return NewError("set remote description", err)
	}
	return nil
}

// AddCandidate accepts the JSON form of an RTCIceCandidateInit.
func (t *pionTransport) AddCandidate(_ context.Context, candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return NewError("parse candidate", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return NewError("add candidate", err)
	}
	return nil
}

func (t *pionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func connectionStateFromPion(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// ParseLogLevel maps a level name to pion's log level. Unknown names disable
// pion logging.
func ParseLogLevel(name string) logging.LogLevel {
	switch strings.ToLower(name) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "info":
		return logging.LogLevelInfo
	case "warn", "warning":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelDisabled
	}
}

// ICEServers builds the pion ICE server list from a STUN URL and an optional
// TURN URL with credentials.
func ICEServers(stun, turn, username, password string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{stun}})
	}
	if turn != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn},
			Username:   username,
			Credential: password,
		})
	}
	return servers
}
