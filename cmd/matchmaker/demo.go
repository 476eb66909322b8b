package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-matchmaker/config"
	"github.com/mossy-p/webrtc-matchmaker/internal/identity"
	"github.com/mossy-p/webrtc-matchmaker/internal/logging"
	"github.com/mossy-p/webrtc-matchmaker/internal/session"
)

var demoTimeout time.Duration

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Pair two local users and run a full handshake and chat",
	Long: `demo starts two users in this process, lets them find each other through the
store, connects them over real WebRTC on the loopback interface, exchanges a
chat message and stops. It uses the in-memory store unless --store is given.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := flags
		if opts.Store == "" {
			opts.Store = config.StoreMemory
		}
		return demo(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "Give up after this long")
}

func demo(ctx context.Context, out io.Writer, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(ctx, demoTimeout)
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

	first := identity.Generate()
	second := identity.Generate()
	for second == first {
		second = identity.Generate()
	}
	a := newCoordinator(first, st, factory, cfg, logger)
	b := newCoordinator(second, st, factory, cfg, logger)

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	for _, c := range []*session.Coordinator{a, b} {
		go func(c *session.Coordinator) {
			defer func() { done <- struct{}{} }()
			if err := c.Run(runCtx); err != nil {
				logger.Error("session failed", "user", c.Self(), "err", err)
			}
		}(c)
		go printSnapshots(runCtx, out, c)
	}
	defer func() {
		stopRun()
		<-done
		<-done
	}()

	if err := waitUntil(ctx, func() bool {
		return a.Snapshot().State == "connected" && b.Snapshot().State == "connected"
	}); err != nil {
		return fmt.Errorf("users did not connect: %w", err)
	}
	fmt.Fprintf(out, "%s and %s are connected\n", first, second)

	if err := a.SendChat(ctx, "hello from "+first); err != nil {
		return err
	}
	if err := waitUntil(ctx, func() bool { return len(b.Snapshot().Transcript) > 0 }); err != nil {
		return fmt.Errorf("chat not delivered: %w", err)
	}
	fmt.Fprintf(out, "%s received %q\n", second, b.Snapshot().Transcript[0].Text)

	if err := a.Stop(ctx); err != nil {
		return err
	}
	if err := waitUntil(ctx, func() bool { return b.Snapshot().State != "connected" }); err != nil {
		return fmt.Errorf("partner not released: %w", err)
	}
	fmt.Fprintf(out, "%s stopped; %s is %s\n", first, second, b.Snapshot().State)
	return nil
}

func printSnapshots(ctx context.Context, out io.Writer, c *session.Coordinator) {
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			line := snap.State
			if snap.Partner != "" {
				line += " with " + snap.Partner
			}
			if line != last {
				fmt.Fprintf(out, "[%s] %s\n", snap.UserID, line)
				last = line
			}
		}
	}
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("timed out")
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
