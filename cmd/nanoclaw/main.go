package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/router"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/splitter"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/transport"
	"github.com/nanoclaw/nanoclaw/internal/transport/telegram"
	"github.com/nanoclaw/nanoclaw/internal/vault"
	"github.com/nanoclaw/nanoclaw/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("nanoclaw %s\n", version)
	case "gateway":
		err = runGateway()
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: nanoclaw <command>\n\nCommands:\n  gateway    Start the nanoclaw host process\n  vault      Manage encrypted per-chat secrets\n  backup     Back up the store and folder state to a tar.zst archive\n  restore    Restore an archive produced by backup\n  version    Print version\n")
}

// runGateway wires every module into the running host process (spec §4.9
// startup sequence: store, registry, sandbox runner, transports, splitter,
// group queue, router, scheduler, ipc dispatcher, optional web dashboard),
// then blocks until SIGINT/SIGTERM drives the §5 shutdown cascade.
func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting nanoclaw gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(config.StorePath)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", config.StorePath)

	loc, err := time.LoadLocation(cfg.Policy.Timezone)
	if err != nil {
		slog.Warn("unknown policy.timezone, defaulting to UTC", "timezone", cfg.Policy.Timezone, "error", err)
		loc = time.UTC
	}

	reg := registry.New(db, cfg.Chats, cfg.Policy, config.DataBasePath)
	if err := reg.EnsureSharedResourceDir(); err != nil {
		return fmt.Errorf("ensure shared resource dir: %w", err)
	}
	if err := reg.EnsureMainFolder(strconv.FormatInt(cfg.Telegram.MainChatID, 10)); err != nil {
		return fmt.Errorf("ensure main folder: %w", err)
	}

	runner, err := sandbox.NewRunner(cfg.Policy)
	if err != nil {
		return fmt.Errorf("init sandbox runner: %w", err)
	}

	var transports []transport.Transport
	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram transport: %w", err)
		}
		transports = append(transports, tg)
	} else {
		slog.Warn("telegram token not set, no transport configured")
	}
	if len(transports) == 0 {
		return fmt.Errorf("no transport configured: set telegram.token")
	}
	multi := transport.NewMulti(transports...)
	sender := splitter.New(multi)

	q := queue.New(db, reg, queue.NewRunnerAdapter(runner), sender, cfg.Policy, loc)
	if cfg.Policy.VaultPassphrase != "" {
		v := vault.New(cfg.Policy.VaultPassphrase)
		q.SetSecretResolver(newVaultSecretResolver(db, v))
	} else {
		slog.Warn("policy.vault_passphrase not set, chats declaring secrets will fail to launch")
	}
	q.Start(ctx)

	rtr := router.New(db, q, "telegram")

	sched := scheduler.New(db, q, cfg.Scheduler, loc)
	go sched.Start(ctx)

	dispatcher := ipc.New(db, reg, sender, cfg.IPC.PollInterval, loc)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start ipc dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	cb := transport.Callbacks{
		OnMetadata: rtr.HandleMetadata,
		OnInbound: func(in transport.Inbound) {
			if err := rtr.HandleInbound(ctx, in); err != nil {
				slog.Error("handle inbound message", "chat_id", in.ChatID, "error", err)
			}
		},
	}
	for _, t := range transports {
		if err := t.Connect(ctx, cb); err != nil {
			return fmt.Errorf("connect transport %s: %w", t.Name(), err)
		}
		slog.Info("transport connected", "transport", t.Name())
		defer t.Disconnect(context.Background())
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(db, cfg.Web)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web dashboard enabled", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	grace := cfg.Policy.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	cancel()
	q.Stop(grace)

	return nil
}
