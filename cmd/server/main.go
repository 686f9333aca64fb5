// Package main is the entry point for Sentinel: the secure local backend
// that guards a single trader's broker credentials and session tokens,
// enforces a daily auto-logout, and exposes order/portfolio commands to
// the desktop UI over both a loopback HTTP gateway and a local IPC
// socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/admission"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/broker/refbroker"
	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/identity"
	"github.com/aristath/sentinel/internal/ipc"
	"github.com/aristath/sentinel/internal/reliability"
	"github.com/aristath/sentinel/internal/sandbox"
	"github.com/aristath/sentinel/internal/scheduler"
	"github.com/aristath/sentinel/internal/server"
	"github.com/aristath/sentinel/internal/services"
	"github.com/aristath/sentinel/internal/settings"
	"github.com/aristath/sentinel/internal/strategy"
	"github.com/aristath/sentinel/internal/symbolmaster"
	"github.com/aristath/sentinel/internal/vault"
)

// Cron expressions are 6-field (seconds first) to match the Scheduler's
// own cron.WithSeconds() runtime.
const (
	sandboxResetCron      = "0 0 0 * * *" // midnight, matches the Scheduler's Asia/Kolkata location
	dailyMaintenanceCron  = "0 0 2 * * *"
	weeklyMaintenanceCron = "0 0 3 * * 0"
)

func main() {
	dataDir := flag.String("data-dir", "", "data directory (overrides SENTINEL_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().Str("data_dir", cfg.DataDir).Msg("starting sentinel")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "sentinel.db"),
		Profile: database.ProfileStandard,
		Name:    "primary",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	v, err := vault.Open(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open vault")
	}

	bus := events.NewBus(log)
	cust := custodian.New(db, v, log)
	idMgr, err := identity.New(db, v, bus, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init identity manager")
	}

	registry := buildBrokerRegistry(cfg, log)
	sandboxAccount := sandbox.NewAccount(db)
	svc := services.New(cust, registry, sandboxAccount, db, bus, log)
	settingsRepo := settings.NewRepository(db, v)
	sched := scheduler.New(settingsRepo, cust, registry, bus, log)
	gate := admission.New(db)
	strategies := strategy.NewRepository(db)
	symIndex := symbolmaster.New(db)
	if err := symIndex.Load(); err != nil {
		log.Warn().Err(err).Msg("load symbol master index; starting empty, awaiting a download")
	}

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("start auto-logout scheduler")
	}
	defer sched.Stop()
	if _, err := sched.RegisterJob(sandboxResetCron, "sandbox-reset", func() {
		if err := sandboxAccount.Reset(1000000); err != nil {
			log.Error().Err(err).Msg("reset sandbox account")
		}
	}); err != nil {
		log.Error().Err(err).Msg("register sandbox reset job")
	}

	dailyJob := reliability.NewDailyMaintenanceJob(db, log)
	if _, err := sched.RegisterJob(dailyMaintenanceCron, "daily-maintenance", func() {
		if err := dailyJob.Run(); err != nil {
			log.Error().Err(err).Msg("daily maintenance failed")
		}
	}); err != nil {
		log.Error().Err(err).Msg("register daily maintenance job")
	}
	weeklyJob := reliability.NewWeeklyMaintenanceJob(db, log)
	if _, err := sched.RegisterJob(weeklyMaintenanceCron, "weekly-maintenance", func() {
		if err := weeklyJob.Run(); err != nil {
			log.Error().Err(err).Msg("weekly maintenance failed")
		}
	}); err != nil {
		log.Error().Err(err).Msg("register weekly maintenance job")
	}

	port := cfg.Port
	if webhookCfg, err := config.ApplyWebhookOverride(settingsRepo); err != nil {
		log.Warn().Err(err).Msg("load webhook override; keeping env-configured port")
	} else if webhookCfg.Enabled && webhookCfg.Port > 0 {
		port = webhookCfg.Port
	}

	srv := server.New(server.Config{
		Log:         log,
		Port:        port,
		DevMode:     cfg.DevMode,
		Services:    svc,
		Identity:    idMgr,
		Custodian:   cust,
		Admission:   gate,
		Scheduler:   sched,
		Settings:    settingsRepo,
		Strategies:  strategies,
		SymbolIndex: symIndex,
		Registry:    registry,
		Bus:         bus,
	})

	ipcSrv := ipc.New(bus, log)
	ipc.RegisterCommands(ipcSrv, ipc.Deps{
		Services:    svc,
		Identity:    idMgr,
		Custodian:   cust,
		Registry:    registry,
		Scheduler:   sched,
		Settings:    settingsRepo,
		SymbolIndex: symIndex,
		Log:         log,
	})
	if err := ipcSrv.Listen(ipcNetwork(), ipcAddress(cfg.DataDir)); err != nil {
		log.Fatal().Err(err).Msg("open ipc listener")
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("admission gateway stopped")
		}
	}()
	go func() {
		if err := ipcSrv.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("ipc server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admission gateway shutdown")
	}
	if err := ipcSrv.Close(); err != nil {
		log.Error().Err(err).Msg("ipc listener close")
	}
	log.Info().Msg("sentinel stopped")
}

// newLogger builds the root logger: a human-readable console writer in
// dev mode, structured JSON otherwise.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildBrokerRegistry wires every configured broker adapter into a
// Registry. Only the reference broker ships today; additional adapters
// register here the same way once their credentials are present.
func buildBrokerRegistry(cfg *config.Config, log zerolog.Logger) *broker.Registry {
	var adapters []broker.Adapter
	if cred, ok := cfg.BrokerCredentials["refbroker"]; ok {
		adapters = append(adapters, refbroker.New(cred.APIKey, cred.APISecret, log))
	}
	return broker.NewRegistry(adapters...)
}

// ipcNetwork returns the local-IPC transport for the host platform:
// Unix domain sockets everywhere except Windows, which has no
// filesystem socket namespace and falls back to loopback TCP.
func ipcNetwork() string {
	if runtime.GOOS == "windows" {
		return "tcp"
	}
	return "unix"
}

// ipcAddress returns the socket path (or loopback address on Windows)
// the Local IPC Surface listens on.
func ipcAddress(dataDir string) string {
	if ipcNetwork() == "tcp" {
		return "127.0.0.1:8765"
	}
	sockPath := filepath.Join(dataDir, "sentinel.sock")
	_ = os.Remove(sockPath) // stale socket from an unclean prior shutdown
	return sockPath
}
