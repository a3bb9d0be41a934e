package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/botfleet/internal/commands"
	"github.com/betbot/botfleet/internal/controlplane/server"
	"github.com/betbot/botfleet/internal/deploy"
	"github.com/betbot/botfleet/internal/fetcher"
	"github.com/betbot/botfleet/internal/hoststat"
	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/provisioner"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/store"
	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/internal/telegram"
	"github.com/betbot/botfleet/pkg/config"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/secretstore"
	"github.com/betbot/botfleet/pkg/shutdown"
)

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads .env, the optional YAML file and, when configured, the
// encrypted secrets db. Real environment variables win over secrets.
func loadConfig(path, secretsDB, secretsKey string) (*config.Config, func(), error) {
	_ = godotenv.Load()

	lookups := []config.LookupFunc{os.LookupEnv}
	closer := func() {}
	if secretsDB != "" {
		key, err := secretstore.ParseKey(secretsKey)
		if err != nil {
			return nil, closer, fmt.Errorf("secrets key: %w", err)
		}
		ss, err := secretstore.Open(secretstore.OpenOptions{Path: secretsDB, EncryptionKey: key, ReadOnly: true})
		if err != nil {
			return nil, closer, fmt.Errorf("open secrets db: %w", err)
		}
		lookups = append(lookups, ss.Lookup("env/"))
		closer = func() { _ = ss.Close() }
	}
	cfg, err := config.Load(path, config.ChainLookup(lookups...))
	return cfg, closer, err
}

func main() {
	var (
		configPath = flag.String("config", getenv("BOTFLEET_CONFIG", ""), "optional YAML config file")
		secretsDB  = flag.String("secrets", getenv("BOTFLEET_SECRETS_DB", ""), "optional badger secrets db with env/<KEY> entries")
		secretsKey = flag.String("secrets-key", getenv("BOTFLEET_SECRETS_KEY", ""), "secrets db encryption key (32 bytes hex/base64)")
	)
	flag.Parse()

	cfg, closeSecrets, err := loadConfig(*configPath, *secretsDB, *secretsKey)
	closeSecrets()
	if err != nil {
		fatal("%v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fatal("init logger: %v", err)
	}
	log := logger.Component("main")

	for _, dir := range []string{cfg.DataDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal("create %s: %v", dir, err)
		}
	}

	gw, err := store.Open(store.Options{Backend: cfg.Store.Backend, Path: cfg.Store.Path, Key: cfg.Store.Key})
	if err != nil {
		fatal("open store: %v", err)
	}

	prov := provisioner.New(provisioner.Config{
		PythonBin: cfg.Runtime.PythonBin,
		Timeout:   cfg.Runtime.InstallTimeout,
	})

	// the registry observes exits, but it needs the supervisor to exist first
	var reg *registry.Registry
	sup := supervisor.New(supervisor.Config{
		Entrypoints:  cfg.Runtime.Entrypoints,
		Interpreter:  prov.Interpreter,
		SpawnTimeout: cfg.Runtime.SpawnTimeout,
		StopGrace:    cfg.Runtime.StopGrace,
	}, supervisor.OnExit(func(ev supervisor.ExitEvent) {
		if reg != nil {
			reg.HandleExit(ev)
		}
	}))
	reg = registry.New(registry.Config{AutoRestartOnBoot: cfg.Runtime.AutoRestartOnBoot}, sup, gw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	reg.Rehydrate(ctx)
	regCtx, stopReg := context.WithCancel(context.Background())
	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		reg.Run(regCtx)
	}()

	pipeline := deploy.New(deploy.Config{DataDir: cfg.DataDir, LogsDir: cfg.LogsDir},
		fetcher.New(fetcher.Config{GitBin: cfg.Runtime.GitBin, Timeout: cfg.Runtime.CloneTimeout}),
		prov, sup, reg)
	svc := commands.NewService(reg, pipeline, hoststat.NewSampler(cfg.DataDir))

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			log.WithError(err).Error("metrics server not started")
		}
	}
	if cfg.Control.Listen != "" {
		cp, err := server.New(server.Config{Token: cfg.Control.Token}, svc, reg)
		if err != nil {
			fatal("control plane: %v", err)
		}
		if _, err := cp.StartAsync(ctx, cfg.Control.Listen); err != nil {
			fatal("control plane: %v", err)
		}
	}

	api := telegram.NewClient(cfg.Telegram.APIURL, cfg.BotToken, cfg.Telegram.PollTimeout)
	disp := telegram.NewDispatcher(api, svc, cfg.IsAdmin, cfg.Telegram.PollTimeout)

	sm := shutdown.NewManager()
	sm.OnShutdown("deployments", func(context.Context) { disp.Wait() })
	sm.OnShutdown("bots", func(ctx context.Context) { sup.StopAll(ctx) })
	sm.OnShutdown("registry", func(ctx context.Context) {
		stopReg()
		select {
		case <-regDone:
		case <-ctx.Done():
		}
		if err := gw.Close(); err != nil {
			log.WithError(err).Warn("close store")
		}
	})

	log.Infof("manager started: %d admins, store %s at %s", len(cfg.AdminIDs), cfg.Store.Backend, cfg.Store.Path)
	if err := disp.Run(ctx); err != nil {
		log.WithError(err).Error("dispatcher stopped")
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	sm.Shutdown(shutdownCtx)
	cancel()
	log.Info("bye")
	_ = logger.Close()
}
