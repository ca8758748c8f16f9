package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/entity"
	"github.com/cmonsalves/billwatch/internal/mailbox"
	"github.com/cmonsalves/billwatch/internal/notify"
	"github.com/cmonsalves/billwatch/internal/poller"
	"github.com/cmonsalves/billwatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "data", "directory for persistent data (ledger and entity state)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("billwatch starting",
		"accounts", len(cfg.Accounts), "services", len(cfg.Services))

	st, err := store.Open(filepath.Join(*dataDir, "billwatch.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := entity.NewBus()
	notifiers := []entity.Notifier{bus}
	if cfg.NotifySMTP != nil {
		notifiers = append(notifiers, notify.NewMailer(*cfg.NotifySMTP, logger))
	}

	caps := make(map[string]int, len(cfg.Services))
	for _, svc := range cfg.Services {
		caps[svc.Name] = svc.HistoryCap()
	}
	synchronizer := entity.NewSynchronizer(st, caps, logger, notifiers...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go logEvents(ctx, bus.Subscribe(), logger)

	var wg sync.WaitGroup

	for _, acct := range cfg.Accounts {
		dialer, err := mailbox.NewDialer(acct, logger)
		if err != nil {
			logger.Error("failed to create dialer", "account", acct.Name, "error", err)
			continue
		}

		pol, err := poller.New(acct, cfg.ServicesFor(acct.Name), dialer, st, synchronizer, logger)
		if err != nil {
			logger.Error("failed to create poller", "account", acct.Name, "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pol.Run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for pollers to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	logger.Info("billwatch stopped")
}

func logEvents(ctx context.Context, events <-chan entity.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			attrs := []any{"service", ev.Service, "msg_id", ev.Record.MessageID, "complete", ev.Record.Complete}
			if total, ok := ev.Record.TotalDue(); ok {
				attrs = append(attrs, "total_due", total.String())
			}
			logger.Info("new bill detected", attrs...)
		}
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
