// Package bot assembles the runtime: the active adapter, the plugin
// registry, the execution pipeline and the optional supporting services.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/flags"
	hotel "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/pipeline"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
	"github.com/basket/herald/internal/plugin/luaplug"
	"github.com/basket/herald/internal/presence"
	"github.com/basket/herald/internal/registry"
	"github.com/basket/herald/internal/reload"
	"github.com/basket/herald/internal/session"
	"github.com/basket/herald/internal/shared"
)

// DefaultExitDelay is how long the process lingers after a connection reset
// before exiting for its supervisor to restart it.
const DefaultExitDelay = 5 * time.Second

var (
	ErrNoSession    = errors.New("bot: session manager not configured")
	ErrReloadOff    = errors.New("bot: hot reload requires debug mode")
	ErrOwnerUnknown = errors.New("bot: owner_id not configured")
)

// ClientFactory builds a fresh adapter. It is called at startup and once per
// reload cycle.
type ClientFactory func(opts *config.Options, cred config.Credential, logger *slog.Logger) (platform.Client, error)

type Options struct {
	Config     *config.Options
	Credential config.Credential
	Logger     *slog.Logger

	NewClient ClientFactory
	Loader    registry.Loader
	Flags     *flags.Set
	Bus       *bus.Bus
	Session   *session.Node
	Tracer    trace.Tracer
	Metrics   *hotel.Metrics

	// Exit terminates the process. Defaults to os.Exit.
	Exit      func(code int)
	ExitDelay time.Duration
}

// Bot is the runtime. It implements plugin.Host for the plugins it runs.
type Bot struct {
	cfg    *config.Options
	cred   config.Credential
	logger *slog.Logger
	opts   Options

	registry   *registry.Registry
	pipeline   *pipeline.Pipeline
	gate       *pipeline.Gate
	flags      *flags.Set
	bus        *bus.Bus
	session    *session.Node
	presence   *presence.Rotator
	supervisor *reload.Supervisor

	mu      sync.RWMutex
	client  platform.Client
	readyAt time.Time
	rootCtx context.Context

	inflight sync.WaitGroup
	exitOnce sync.Once
}

// New builds the runtime and its first adapter. Nothing connects until Start.
func New(opts Options) (*Bot, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewClient == nil {
		opts.NewClient = platform.New
	}
	if opts.Loader == nil {
		opts.Loader = luaplug.NewLoader(opts.Logger)
	}
	if opts.Flags == nil {
		opts.Flags = flags.New(opts.Config.Features)
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.ExitDelay <= 0 {
		opts.ExitDelay = DefaultExitDelay
	}

	b := &Bot{
		cfg:     opts.Config,
		cred:    opts.Credential,
		logger:  opts.Logger.With("component", "bot"),
		opts:    opts,
		flags:   opts.Flags,
		bus:     opts.Bus,
		session: opts.Session,
		rootCtx: context.Background(),
	}
	b.registry = registry.New(opts.Loader, opts.Flags, opts.Logger, opts.Bus)
	b.pipeline = pipeline.New(opts.Logger, pipeline.Options{
		Timeout:  opts.Config.PluginTimeout(),
		Tracer:   opts.Tracer,
		Metrics:  opts.Metrics,
		Bus:      opts.Bus,
		Observer: b.observeFailure,
	})
	b.gate = pipeline.NewGate(opts.Config.OwnerID, opts.Config.DefaultCooldown(), opts.Logger)
	b.gate.SetMetrics(opts.Metrics)

	rot, err := presence.New(opts.Config.Presence, b.Client, b.presenceVars, opts.Logger)
	if err != nil {
		return nil, err
	}
	b.presence = rot

	if opts.Config.Debug {
		b.supervisor = reload.NewSupervisor(&reloadTarget{b: b}, opts.Logger, reload.Options{
			NoticeDelay: opts.Config.ReloadNoticeDelay(),
			Bus:         opts.Bus,
			Metrics:     opts.Metrics,
		})
	}

	client, err := opts.NewClient(opts.Config, opts.Credential, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("bot: build client: %w", err)
	}
	b.setClient(client)
	return b, nil
}

// Start discovers plugins, binds them to the adapter and connects. In debug
// mode it also starts watching the plugin roots.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	b.rootCtx = ctx
	b.mu.Unlock()

	if _, err := b.discover(ctx); err != nil {
		return err
	}
	if err := b.Client().Connect(ctx); err != nil {
		if shared.IsConnectionReset(err) {
			b.scheduleExit("connect", err)
		}
		return fmt.Errorf("bot: connect: %w", err)
	}

	if b.supervisor != nil {
		w := reload.NewWatcher(
			[]string{b.cfg.Directories.Commands, b.cfg.Directories.Events},
			b.opts.Loader.Match,
			b.cfg.ReloadDebounce(),
			b.opts.Logger,
		)
		if err := w.Start(ctx); err != nil {
			b.logger.Warn("hot reload watcher not started", "error", err)
		} else {
			go b.supervisor.Watch(ctx, w.Events())
			b.logger.Info("hot reload enabled", "debounce", b.cfg.ReloadDebounce())
		}
	}
	return nil
}

// Stop disconnects and releases every plugin. In-flight invocations are
// waited for up to ctx's deadline.
func (b *Bot) Stop(ctx context.Context) error {
	b.presence.Stop()
	if b.supervisor != nil {
		b.supervisor.Wait()
	}
	err := b.Client().Disconnect(ctx)

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("shutdown with invocations still running")
	}

	b.registry.Clear()
	if b.session != nil {
		_ = b.session.Close()
	}
	return err
}

// Drain waits for every dispatched invocation to finish.
func (b *Bot) Drain() {
	b.inflight.Wait()
}

func (b *Bot) Registry() *registry.Registry { return b.registry }

func (b *Bot) Supervisor() *reload.Supervisor { return b.supervisor }

func (b *Bot) setClient(c platform.Client) {
	b.mu.Lock()
	b.client = c
	b.readyAt = time.Time{}
	b.mu.Unlock()
	b.attachCore(c)
}

func (b *Bot) discover(ctx context.Context) (registry.Summary, error) {
	sum, err := b.registry.Discover(ctx, registry.Dirs{
		Commands: b.cfg.Directories.Commands,
		Events:   b.cfg.Directories.Events,
	}, b.bindEvent)
	b.opts.Metrics.RecordLoadFailures(ctx, sum.Failed)
	return sum, err
}

func (b *Bot) observeFailure(kind, name string, err error) {
	if shared.IsConnectionReset(err) {
		b.scheduleExit(kind+" "+name, err)
	}
}

// scheduleExit terminates the process after the exit delay so an external
// supervisor can restart it with a clean connection.
func (b *Bot) scheduleExit(source string, err error) {
	b.exitOnce.Do(func() {
		b.logger.Error("connection lost, exiting for restart",
			"source", source, "error", err, "delay", b.opts.ExitDelay)
		time.AfterFunc(b.opts.ExitDelay, func() { b.opts.Exit(1) })
	})
}

func (b *Bot) presenceVars() map[string]string {
	cmds, structured, _ := b.registry.Counts()
	return map[string]string{
		"prefix":   b.cfg.Prefix,
		"commands": strconv.Itoa(cmds + structured),
		"backend":  b.Client().Backend(),
	}
}

// Client returns the adapter currently in use.
func (b *Bot) Client() platform.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

func (b *Bot) Prefix() string  { return b.cfg.Prefix }
func (b *Bot) OwnerID() string { return b.cfg.OwnerID }

// Uptime is the time since the current adapter became ready.
func (b *Bot) Uptime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.readyAt.IsZero() {
		return 0
	}
	return time.Since(b.readyAt)
}

func (b *Bot) Commands() []plugin.Info { return b.registry.Snapshot() }

func (b *Bot) Flags() plugin.Flags { return b.flags }

func (b *Bot) Player(ctx context.Context, guildID, voiceChannelID, textChannelID string) error {
	if b.session == nil {
		return ErrNoSession
	}
	_, err := b.session.Create(ctx, guildID, voiceChannelID, textChannelID)
	return err
}

func (b *Bot) RequestReload(reason string) error {
	if b.supervisor == nil {
		return ErrReloadOff
	}
	b.mu.RLock()
	ctx := b.rootCtx
	b.mu.RUnlock()
	return b.supervisor.Request(ctx, reason)
}

// Connected reports whether the bot has seen ready on the current adapter.
func (b *Bot) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.readyAt.IsZero()
}
