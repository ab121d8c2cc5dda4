package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loom/pkg/eventlog"
	"loom/pkg/roster"
	"loom/pkg/router"
	"loom/pkg/scheduler"
	"loom/pkg/store"
	"loom/pkg/transport"

	"github.com/spf13/cobra"
)

// newServeCmd creates the serve command: the long-running coordinator
// process owning the socket, the state database and the scheduler.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := applySchema(db); err != nil {
		return err
	}

	st := store.New(db)
	log := eventlog.New(db)
	rt := router.New(router.Config{
		ReferenceMemGB:  cfg.Router.ReferenceMemGB,
		CapacityCap:     cfg.Router.CapacityCap,
		ReferenceVRAMGB: cfg.Router.ReferenceVRAMGB,
		WarmBonus:       cfg.Router.WarmBonus,
		AffinityBonus:   cfg.Router.AffinityBonus,
	})

	reg, err := roster.NewRegistry(paths.RosterPath, logger)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	reg.SetPollInterval(time.Duration(cfg.Roster.PollIntervalSeconds) * time.Second)

	sched := scheduler.New(scheduler.Config{
		AcceptTimeout:  cfg.Scheduler.AcceptTimeout(),
		SweepInterval:  cfg.Scheduler.SweepInterval(),
		StuckThreshold: cfg.Scheduler.StuckThreshold(),
		RosterChanges:  reg.Changes(),
	}, st, rt, reg, log, logger)

	srv := transport.New(sched, logger)
	sched.SetSender(srv)
	if err := srv.Listen(paths.SocketPath); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reg.Watch(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- sched.Run(ctx) }()
	go func() { errCh <- srv.Serve(ctx) }()

	logger.Info("coordinator listening", "socket", paths.SocketPath, "db", paths.DBPath)

	// The first component to stop brings the process down; the context
	// cancellation drains the other.
	err = <-errCh
	stop()
	<-errCh
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return nil
}
