package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-matchmaker/config"
	"github.com/mossy-p/webrtc-matchmaker/internal/ledger"
	"github.com/mossy-p/webrtc-matchmaker/internal/matchmaker"
	"github.com/mossy-p/webrtc-matchmaker/internal/redis"
	"github.com/mossy-p/webrtc-matchmaker/internal/relay"
	"github.com/mossy-p/webrtc-matchmaker/internal/session"
	"github.com/mossy-p/webrtc-matchmaker/internal/store"
	"github.com/mossy-p/webrtc-matchmaker/internal/transport"
)

var flags config.Options

var rootCmd = &cobra.Command{
	Use:   "matchmaker",
	Short: "Random one-to-one video chat matchmaking over a shared store",
	Long: `matchmaker pairs anonymous users through a shared state store and drives the
WebRTC handshake between them.

Examples:
  matchmaker serve --store redis --redis-host localhost
  matchmaker demo
  matchmaker whoami`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.UserID, "user-id", "", "Use this user id instead of the persisted one")
	pf.StringVar(&flags.IdentityFile, "identity-file", "", "File holding the persisted user id")
	pf.StringVar(&flags.Store, "store", "", "Shared store backend: redis or memory")
	pf.StringVar(&flags.RedisHost, "redis-host", "", "Redis host")
	pf.StringVar(&flags.RedisPort, "redis-port", "", "Redis port")
	pf.StringVar(&flags.STUNServer, "stun", "", "STUN server URL")
	pf.StringVar(&flags.TURNServer, "turn", "", "TURN server URL")
	pf.StringVar(&flags.TURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flags.TURNPass, "turn-pass", "", "TURN password")
	pf.StringVar(&flags.ICEMode, "ice-mode", "", "Candidate exchange: trickle or vanilla")
	pf.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		s := store.NewMemoryStore()
		return s, func() { s.Close() }, nil
	case config.StoreRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Redis connection established", "addr", cfg.Redis.Host+":"+cfg.Redis.Port)
		return redis.NewStore(client, cfg.Redis.Prefix, cfg.Redis.KeyTTL, logger), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newTransportFactory(cfg *config.Config, logger *slog.Logger) (*transport.PionFactory, error) {
	return transport.NewPionFactory(transport.PionConfig{
		ICEServers: transport.ICEServers(cfg.ICE.STUNServer, cfg.ICE.TURNServer, cfg.ICE.TURNUser, cfg.ICE.TURNPass),
		Mode:       transport.ICEMode(cfg.ICE.Mode),
		LogLevel:   transport.ParseLogLevel(cfg.PionLogLevel),
	}, logger)
}

// newCoordinator assembles the ledger, matchmaker and relay for id.
func newCoordinator(id string, s store.Store, factory transport.Factory, cfg *config.Config, logger *slog.Logger) *session.Coordinator {
	l := ledger.New(s, id, logger)
	return session.New(
		l,
		matchmaker.New(s, l, logger),
		relay.New(s, id, logger),
		factory,
		session.Config{
			SignalPacing:     cfg.Session.SignalPacing,
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			SearchInterval:   cfg.Session.SearchInterval,
			StatusRefresh:    cfg.Session.StatusRefresh,
		},
		logger,
	)
}
