// syncprobe - diagnostic CLI for the Fechatter sync client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fechatter/clientsync/internal/anchor"
	"github.com/fechatter/clientsync/internal/config"
	"github.com/fechatter/clientsync/internal/gateway"
	"github.com/fechatter/clientsync/internal/history"
	"github.com/fechatter/clientsync/internal/metrics"
	"github.com/fechatter/clientsync/internal/offline"
	"github.com/fechatter/clientsync/internal/optimistic"
	"github.com/fechatter/clientsync/internal/reconcile"
	"github.com/fechatter/clientsync/internal/storage"
	"github.com/fechatter/clientsync/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `syncprobe %s - Fechatter sync client diagnostics

Usage:
  syncprobe send <chat-id> <content>    send a message and wait for delivery
  syncprobe history <chat-id> [pages]   page backwards through chat history
  syncprobe watch <chat-id>             stream live events for a chat
  syncprobe replay                      replay the offline outbox
  syncprobe status                      show configuration and queue state

Flags:
  -config PATH         config file (default ~/.fechatter/sync.toml)
  -sender ID           sender user id for outgoing messages
  -metrics-addr ADDR   serve Prometheus metrics on ADDR (e.g. :9091)
`, Version)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "config file path")
	metricsAddr := flag.String("metrics-addr", "", "prometheus metrics listen address")
	senderID := flag.Int64("sender", 0, "sender user id for outgoing messages")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}

	metrics.Init()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	app, err := buildApp(cfg)
	if err != nil {
		fatal("startup: %v", err)
	}
	app.senderID = *senderID
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "send":
		err = app.runSend(ctx, args[1:])
	case "history":
		err = app.runHistory(ctx, args[1:])
	case "watch":
		err = app.runWatch(ctx, args[1:])
	case "replay":
		err = app.runReplay(ctx)
	case "status":
		err = app.runStatus()
	default:
		usage()
	}
	if err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "syncprobe: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "syncprobe: metrics server: %v\n", err)
	}
}

// =============================================================================
// APP WIRING
// =============================================================================

// app is the composed sync engine plus its persistence handle.
type app struct {
	cfg      *config.Config
	senderID int64

	db         *storage.Store
	store      *store.Store
	client     *gateway.Client
	tracker    *optimistic.Tracker
	reconciler *reconcile.Reconciler
	paginator  *history.Paginator
	anchors    *anchor.Manager
	outbox     *offline.Queue
}

func buildApp(cfg *config.Config) (*app, error) {
	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		p, err := config.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dbPath = p
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	st := store.New(store.WithCapacity(cfg.Sync.MaxChats, cfg.Sync.MaxMessagesPerChat))

	client := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token).
		WithTimeout(time.Duration(cfg.Gateway.TimeoutSecs) * time.Second).
		WithSendRate(cfg.Gateway.SendRatePerSec, cfg.Gateway.SendBurst)

	rec := reconcile.New(st, nil)
	rec.SetHeuristicWindow(time.Duration(cfg.Sync.HeuristicWindowSecs) * time.Second)
	tracker := optimistic.New(st, client, rec)
	tracker.SetPolicy(time.Duration(cfg.Sync.SendTimeoutSecs)*time.Second, cfg.Sync.MaxRetries)
	rec.SetResolver(tracker)

	paginator := history.New(st, client)
	paginator.SetPageSize(cfg.Sync.PageSize)

	anchors := anchor.New(st, db)
	anchors.SetTTL(time.Duration(cfg.Sync.ReadingPositionTTLDays) * 24 * time.Hour)

	outbox := offline.New(db, tracker)

	return &app{
		cfg:        cfg,
		db:         db,
		store:      st,
		client:     client,
		tracker:    tracker,
		reconciler: rec,
		paginator:  paginator,
		anchors:    anchors,
		outbox:     outbox,
	}, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) runSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: syncprobe send <chat-id> <content>")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}

	msg, err := a.tracker.Send(ctx, chatID, a.senderID, args[1], nil)
	if err != nil {
		return err
	}
	fmt.Printf("queued provisional message (correlation %s)\n", msg.CorrelationID)

	// Poll until the message resolves. The tracker's send timeout bounds
	// how long this can take.
	deadline := time.Now().Add(time.Duration(a.cfg.Sync.SendTimeoutSecs+5) * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		m, ok := a.store.FindByCorrelation(chatID, msg.CorrelationID)
		if !ok {
			continue
		}
		if m.State.IsResolved() {
			fmt.Printf("message %d %s (seq %d)\n", m.ID, m.State, m.SequenceNumber)
			return nil
		}
	}
	return fmt.Errorf("message did not resolve before deadline")
}

func (a *app) runHistory(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: syncprobe history <chat-id> [pages]")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}
	pages := 1
	if len(args) > 1 {
		if pages, err = strconv.Atoi(args[1]); err != nil || pages < 1 {
			return fmt.Errorf("invalid page count %q", args[1])
		}
	}

	for i := 0; i < pages; i++ {
		page, err := a.paginator.LoadOlder(ctx, chatID)
		if err != nil {
			if errors.Is(err, history.ErrNoMoreHistory) {
				fmt.Println("reached start of history")
				break
			}
			return err
		}
		fmt.Printf("page %d: %d added, %d duplicates, more=%v\n",
			i+1, page.Added, page.Duplicates, page.HasMore)
		if !page.HasMore {
			break
		}
	}

	for _, m := range a.store.Snapshot(chatID) {
		fmt.Printf("  [%d] %d: %s\n", m.SequenceNumber, m.SenderID, m.Preview(60))
	}
	return nil
}

func (a *app) runWatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: syncprobe watch <chat-id>")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}

	go func() {
		for change := range a.store.Notifications() {
			if change.ChatID != chatID {
				continue
			}
			fmt.Printf("%s chat=%d message=%d\n", change.Kind, change.ChatID, change.MessageID)
		}
	}()

	fmt.Printf("watching chat %d (ctrl-c to stop)\n", chatID)
	return a.client.Subscribe(ctx, gateway.NewMessagePump(a.reconciler))
}

func (a *app) runReplay(ctx context.Context) error {
	if err := a.outbox.Restore(); err != nil {
		return err
	}
	a.outbox.SetOnline(true)
	replayed, err := a.outbox.Replay(ctx)
	fmt.Printf("replayed %d queued message(s)\n", replayed)
	return err
}

func (a *app) runStatus() error {
	fmt.Printf("syncprobe %s (%s)\n", Version, GitCommit)
	fmt.Printf("gateway:       %s\n", orUnset(a.cfg.Gateway.BaseURL))
	fmt.Printf("page size:     %d\n", a.cfg.Sync.PageSize)
	fmt.Printf("send timeout:  %ds\n", a.cfg.Sync.SendTimeoutSecs)
	fmt.Printf("max retries:   %d\n", a.cfg.Sync.MaxRetries)
	fmt.Printf("chats cached:  %d\n", len(a.store.Chats()))
	fmt.Printf("sends pending: %d\n", a.tracker.PendingCount())
	fmt.Printf("outbox queued: %d\n", a.outbox.Len())
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}
