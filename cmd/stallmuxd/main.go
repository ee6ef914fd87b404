package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkoga/stallmux/internal/actuation"
	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/daemon"
	"github.com/mkoga/stallmux/internal/db"
	"github.com/mkoga/stallmux/internal/event"
	"github.com/mkoga/stallmux/internal/liveness"
	"github.com/mkoga/stallmux/internal/model"
	"github.com/mkoga/stallmux/internal/orchestrator"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	socketFlag := flag.String("socket", "", "UDS path for stallmuxd (overrides config)")
	dbFlag := flag.String("db", "", "SQLite audit path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	now := time.Now().UTC()
	targets := cfg.ModelTargets(now)
	byID := make(map[string]model.Target, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if err := store.UpsertTarget(ctx, t); err != nil {
			fatal(err)
		}
		byID[t.TargetID] = t
		ids = append(ids, t.TargetID)
	}

	bus := event.NewBus(512)
	bus.Subscribe(event.Func(func(ev model.AlertEvent) {
		recCtx, recCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.RecordAlert(recCtx, ev); err != nil {
			logErr("persist alert", err)
		}
		recCancel()
	}))

	tracker := liveness.NewTracker(ids, now)
	sender := actuation.NewTmuxSender(cfg)
	resolve := func(id string) (model.Target, bool) {
		t, ok := byID[id]
		return t, ok
	}
	queue := actuation.NewQueue(actuation.Options{
		Capacity:    cfg.QueueCapacity,
		MaxAttempts: cfg.MaxActuationAttempts,
		Backoff:     cfg.RetryBackoff,
	}, sender, tracker, resolve, bus).WithHistory(store)

	orch := orchestrator.New(cfg, tracker, queue, bus, logErr)

	// The queue worker outlives the signal context so shutdown can drain
	// pending rescues before stopping it.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	queue.Start(workerCtx)
	go orch.Run(ctx)
	startRetentionLoop(ctx, store, cfg)

	srv := daemon.NewServer(cfg, tracker, orch, bus, store)
	err = srv.Start(ctx)

	queue.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainGrace)
	if !queue.Drain(drainCtx, cfg.DrainGrace) {
		bus.Emit(event.New(model.EventRequestDropped, "", model.ErrDrainTimeout,
			"shutdown drain timed out with pending actuations", time.Now().UTC()))
	}
	drainCancel()
	workerCancel()
	<-queue.Done()

	if err != nil && err != context.Canceled {
		fatal(err)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config) {
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.EventRetention)
		if err := store.PurgeRetention(ctx, cutoff); err != nil {
			logErr("retention purge", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "stallmuxd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "stallmuxd: %v\n", err)
	os.Exit(1)
}
