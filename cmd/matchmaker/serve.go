package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-matchmaker/config"
	"github.com/mossy-p/webrtc-matchmaker/internal/handlers"
	"github.com/mossy-p/webrtc-matchmaker/internal/identity"
	"github.com/mossy-p/webrtc-matchmaker/internal/logging"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session coordinator with its HTTP control API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&flags.Port, "port", "", "HTTP listen port")
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel)

	id, err := identity.Resolve(cfg.UserID, cfg.IdentityFile)
	if err != nil {
		return err
	}
	logger = logger.With("user", id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	factory, err := newTransportFactory(cfg, logger)
	if err != nil {
		return err
	}
	coord := newCoordinator(id, st, factory, cfg, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		JWTSecret:       cfg.JWTSecret,
		ControlPassword: cfg.ControlPassword,
	}, coord)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	runErr := make(chan error, 1)
	go func() {
		runErr <- coord.Run(ctx)
	}()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting control API", "port", cfg.Port, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
	case result = <-serveErr:
	case result = <-runErr:
		runErr <- result
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown", "err", err)
	}
	cancel()
	if err := <-runErr; err != nil && result == nil {
		result = err
	}
	logger.Info("stopped")
	return result
}
