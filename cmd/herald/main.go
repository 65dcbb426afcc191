package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/herald/internal/audit"
	"github.com/basket/herald/internal/bot"
	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/flags"
	"github.com/basket/herald/internal/gateway"
	hotel "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/session"
	"github.com/basket/herald/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `herald - chat bot runtime

USAGE:
  %s [flags]                  Run the bot
  %s status                   Query the dashboard /healthz endpoint
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  BOT_TOKEN               Platform token (required)
  HERALD_PREFIX           Overrides prefix
  HERALD_OWNER_ID         Overrides owner_id
  HERALD_DEBUG            Overrides debug (enables hot reload)
  HERALD_LOG_LEVEL        Overrides log_level
`)
}

func main() {
	config.LoadDotEnv(".env")

	configPath := flag.String("config", "config.yaml", "path to the config document")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, *configPath, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(telemetry.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if cfg.AuditFile != "" {
		if err := audit.Init(cfg.AuditFile); err != nil {
			fatalStartup(logger, "E_AUDIT_INIT", err)
		}
		defer func() { _ = audit.Close() }()
	}
	logger.Info("startup phase", "phase", "config_loaded", "path", cfg.Path, "backend", cfg.Features.Backend, "debug", cfg.Debug)

	cred, err := config.LoadCredential()
	if err != nil {
		fatalStartup(logger, "E_CREDENTIAL", err)
	}

	provider, err := hotel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := hotel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	eventBus := bus.New()

	flagSet, flagCloser, err := flags.Open(ctx, cfg.Features)
	if err != nil {
		fatalStartup(logger, "E_FLAGS_OPEN", err)
	}
	defer flagCloser.Close()
	flagSet.SetBus(eventBus)
	logger.Info("startup phase", "phase", "flags_loaded",
		"persistence", cfg.Features.Persistence,
		"disabled", len(flagSet.Disabled()),
		"beta", len(flagSet.Beta()),
	)

	var node *session.Node
	if cfg.Session.Enabled() {
		node = session.NewNode(cfg.Session, logger)
	}

	b, err := bot.New(bot.Options{
		Config:     cfg,
		Credential: cred,
		Logger:     logger,
		Flags:      flagSet,
		Bus:        eventBus,
		Session:    node,
		Tracer:     provider.Tracer,
		Metrics:    metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_CLIENT_INIT", err)
	}

	if err := b.Start(ctx); err != nil {
		fatalStartup(logger, "E_START", err)
	}
	logger.Info("startup phase", "phase", "running")

	if cfg.Dashboard.Enabled {
		dash := gateway.New(gateway.Config{
			Status:            dashboardStatus(b, flagSet),
			Commands:          b.Commands,
			Flags:             flagSet,
			Bus:               eventBus,
			AuthToken:         cfg.Dashboard.Token,
			AllowOrigins:      cfg.Dashboard.AllowOrigins,
			RequestsPerMinute: cfg.Dashboard.RequestsPerMinute,
			Burst:             cfg.Dashboard.Burst,
			Tracer:            provider.Tracer,
			Logger:            logger,
		})
		go func() {
			if err := dash.Serve(ctx, cfg.Dashboard.BindAddr); err != nil {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func dashboardStatus(b *bot.Bot, fs *flags.Set) func() gateway.Status {
	return func() gateway.Status {
		commands, structured, events := b.Registry().Counts()
		reloading := false
		if sup := b.Supervisor(); sup != nil {
			reloading = sup.Running()
		}
		return gateway.Status{
			Backend:    fs.Backend(),
			Connected:  b.Connected(),
			Uptime:     b.Uptime().Round(time.Second).String(),
			Commands:   commands,
			Structured: structured,
			Events:     events,
			Reloading:  reloading,
			Denied:     audit.DenyCount(),
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionFatal, "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"time":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
