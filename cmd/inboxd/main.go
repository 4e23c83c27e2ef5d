package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/h1v3-io/inbox/internal/api"
	"github.com/h1v3-io/inbox/internal/ack"
	"github.com/h1v3-io/inbox/internal/config"
	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/dispatch"
	"github.com/h1v3-io/inbox/internal/hook"
	"github.com/h1v3-io/inbox/internal/keylock"
	"github.com/h1v3-io/inbox/internal/logbuf"
	"github.com/h1v3-io/inbox/internal/media"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/pipeline"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/resolver"
	"github.com/h1v3-io/inbox/internal/scheduler"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (.json, .jsonc, .yaml)")
	platformURL := flag.String("platform-url", os.Getenv("INBOX_PLATFORM_URL"), "Platform dashboard URL")
	instanceID := flag.String("instance-id", os.Getenv("INBOX_INSTANCE_ID"), "Instance ID for platform mode")
	platformKey := flag.String("platform-key", os.Getenv("INBOX_PLATFORM_KEY"), "API key for platform auth")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	// Load config (3 modes: file, platform, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *platformURL != "" {
		logger.Info("loading config from platform", "url", *platformURL, "instance_id", *instanceID)
		cfg, err = config.LoadFromPlatform(config.PlatformOptions{
			PlatformURL: *platformURL,
			InstanceID:  *instanceID,
			APIKey:      *platformKey,
		})
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("inboxd starting", "instance_id", cfg.Instance.ID, "channels", len(cfg.Channels))

	// 1. Ticket store
	if cfg.Store.Driver != ticket.DriverPostgres {
		os.MkdirAll(cfg.Instance.DataDir, 0o755)
	}
	store, err := ticket.Open(ticket.Options{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		logger.Error("failed to open ticket store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Shared engine infrastructure
	locks := keylock.New()
	hub := notify.NewHub(64, logger)
	mediaStore := media.New(cfg.Instance.MediaDir)
	integrator := hook.NewIntegrator(nil, logger)

	var alerter hook.Alerter = hook.NopAlerter{}
	if cfg.Slack != nil {
		slackAlerter, err := hook.NewSlack(hook.SlackConfig{
			WebhookURL: cfg.Slack.WebhookURL,
			BotToken:   cfg.Slack.BotToken,
			Channel:    cfg.Slack.Channel,
		}, logger)
		if err != nil {
			logger.Error("failed to init slack alerts", "error", err)
			os.Exit(1)
		}
		alerter = slackAlerter
	}

	// 3. Channel registry. Adapters are built before the pipeline exists, so
	// their inbound handler is forward-declared.
	var p *pipeline.Pipeline
	inbound := func(ctx context.Context, channelID string, ev protocol.InboundEvent) error {
		return p.HandleInbound(ctx, channelID, ev)
	}

	reg := registry.New(logger)
	if n := cfg.Engine.ReconnectAttempts; n > 0 {
		reg.ReconnectAttempts = n
	}
	if d := cfg.Engine.ReconnectDelay.D(); d > 0 {
		reg.ReconnectDelay = d
	}
	var runners []channelRunner
	for _, cc := range cfg.Channels {
		ch, err := buildChannel(cc, inbound, logger)
		if err != nil {
			logger.Error("failed to init channel", "channel", cc.ID, "kind", cc.Kind, "error", err)
			os.Exit(1)
		}
		if _, err := reg.Register(ch); err != nil {
			logger.Error("failed to register channel", "channel", cc.ID, "error", err)
			os.Exit(1)
		}
		if r, ok := ch.Adapter.(connector.Runner); ok {
			runners = append(runners, channelRunner{id: cc.ID, runner: r})
		}
	}

	// 4. Engine components
	reconciler := ack.New(ack.Config{
		Store:         store,
		Registry:      reg,
		Locks:         locks,
		Notifier:      hub,
		Status:        integrator,
		CacheTTL:      cfg.Engine.CacheTTL.D(),
		CacheSize:     cfg.Engine.CacheSize,
		ReadBatch:     cfg.Engine.ReadBatch,
		ReadPause:     cfg.Engine.ReadPause.D(),
		PresencePause: cfg.Engine.PresencePause.D(),
		Logger:        logger,
	})
	defer reconciler.Stop()

	dispatcher := dispatch.New(dispatch.Config{
		Store:        store,
		Registry:     reg,
		Media:        mediaStore,
		Notifier:     hub,
		Status:       integrator,
		Alerter:      alerter,
		MaxAttempts:  cfg.Engine.MaxAttempts,
		BaseBackoff:  cfg.Engine.BaseBackoff.D(),
		MaxBackoff:   cfg.Engine.MaxBackoff.D(),
		DeleteWindow: cfg.Engine.DeleteWindow.D(),
		Logger:       logger,
	})

	res := resolver.New(resolver.Config{
		Store:     store,
		Locks:     locks,
		Notifier:  hub,
		Farewell:  reg.Farewell,
		Welcome:   func(ctx context.Context, t *protocol.Ticket) error { return p.Welcome(ctx, t) },
		Tolerance: cfg.Engine.FarewellTolerance.D(),
		Logger:    logger,
	})

	var bot pipeline.Bot
	if cfg.Chatbot != nil {
		bot = hook.NewChatbot(cfg.Chatbot.URL, cfg.Chatbot.Token, logger)
	}

	p = pipeline.New(pipeline.Config{
		Store:      store,
		Resolver:   res,
		Registry:   reg,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Media:      mediaStore,
		Notifier:   hub,
		Bot:        bot,
		MaxPartLen: cfg.Engine.MaxPartLen,
		PartDelay:  cfg.Engine.PartDelay.D(),
		Logger:     logger,
	})

	if _, err := dispatcher.RecoverInFlight(ctx); err != nil {
		logger.Error("failed to recover in-flight messages", "error", err)
		os.Exit(1)
	}

	// 5. Channel receive loops
	for _, cr := range runners {
		cr := cr
		go safeGo(logger, cr.id, func() {
			if err := cr.runner.Start(ctx); err != nil {
				logger.Error("channel stopped", "channel", cr.id, "error", err)
			}
		})
	}

	// 6. Scheduler
	sched := scheduler.New(logger)
	if err := sched.RegisterEngine(dispatcher, reg, reconciler.Cache(), cfg.Ticks); err != nil {
		logger.Error("failed to register engine jobs", "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	logger.Info("scheduler started", "jobs", sched.JobCount())

	// 7. API server
	svc := &engineService{store: store, reg: reg, pipeline: p, dispatcher: dispatcher}
	ws := notify.NewWSHandler(hub, apiPkg.TenantOf, logger)
	apiSrv := apiPkg.NewServer(svc, apiPkg.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Key:         cfg.API.Key,
		CORSOrigins: cfg.API.CORSOrigins,
	}, logger, logBuf, ws)

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
		}
	})

	// 8. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	for _, cr := range runners {
		cr.runner.Stop()
	}
	logger.Info("inboxd stopped")
}

type channelRunner struct {
	id     string
	runner connector.Runner
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
