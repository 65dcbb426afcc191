// Package pipeline runs plugin code behind a containment boundary: every
// failure is logged, reported and swallowed so that one broken plugin cannot
// take the process or unrelated invocations down with it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/bus"
	hotel "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
	"github.com/basket/herald/internal/shared"
)

const (
	// FailureReply is the single notice sent to the user when a command fails.
	FailureReply = "There was an error while executing this command."

	causeLines   = 3
	replyTimeout = 5 * time.Second
)

// Observer receives every contained failure after it has been logged.
type Observer func(kind, name string, err error)

type Options struct {
	// Timeout bounds a single execute call. Zero disables the bound.
	Timeout  time.Duration
	Tracer   trace.Tracer
	Metrics  *hotel.Metrics
	Bus      *bus.Bus
	Observer Observer
}

type Pipeline struct {
	logger *slog.Logger
	opts   Options
}

func New(logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(hotel.TracerName)
	}
	return &Pipeline{logger: logger.With("component", "pipeline"), opts: opts}
}

// PanicError is a recovered panic from plugin code.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) StackTrace() string { return e.Stack }

// RunCommand executes cmd for inv. It never returns an error and never
// panics: a failure is logged and answered with exactly one best-effort
// FailureReply whose own error is dropped.
func (p *Pipeline) RunCommand(ctx context.Context, host plugin.Host, cmd *plugin.Command, inv *platform.Invocation, args []string) {
	ctx = shared.WithInvocationID(ctx, inv.ID)
	ctx = shared.WithPlugin(ctx, cmd.File)
	logger := p.logger.With(
		"kind", "command",
		"name", cmd.Name,
		"user_id", inv.User.ID,
		"invocation_id", inv.ID,
	)

	err := p.run(ctx, logger, "command", cmd.Name, cmd.File, inv.User.ID, func(ctx context.Context) error {
		return cmd.Execute(ctx, host, inv, args)
	})
	if err == nil {
		return
	}
	p.contain(logger, "command", cmd.Name, inv.User.ID, err)

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if rerr := inv.Reply(replyCtx, FailureReply); rerr != nil {
		logger.Debug("failure notice not delivered", "error", rerr)
	}
}

// RunEvent executes ev with the normalized payload. Failures are logged and
// swallowed; events have nobody to reply to.
func (p *Pipeline) RunEvent(ctx context.Context, host plugin.Host, ev *plugin.Event, args ...any) {
	id := shared.NewInvocationID()
	ctx = shared.WithInvocationID(ctx, id)
	ctx = shared.WithPlugin(ctx, ev.File)
	logger := p.logger.With("kind", "event", "name", ev.Name, "invocation_id", id)

	err := p.run(ctx, logger, "event", ev.Name, ev.File, "", func(ctx context.Context) error {
		return ev.Execute(ctx, host, args...)
	})
	if err != nil {
		p.contain(logger, "event", ev.Name, "", err)
	}
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, kind, name, file, userID string, fn func(context.Context) error) (err error) {
	logger.Debug("invocation started", "file", file)

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	ctx, span := hotel.StartSpan(ctx, p.opts.Tracer, kind+" "+name,
		hotel.AttrKind.String(kind),
		hotel.AttrName.String(name),
		hotel.AttrFile.String(file),
		hotel.AttrUserID.String(userID),
		hotel.AttrInvocationID.String(shared.InvocationID(ctx)),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
		p.opts.Metrics.RecordInvocation(ctx, kind, name, time.Since(start), err != nil)
		hotel.EndSpan(span, err)
	}()
	return fn(ctx)
}

func (p *Pipeline) contain(logger *slog.Logger, kind, name, userID string, err error) {
	msg, chain := shared.CauseChain(err, causeLines)
	logger.Error("invocation failed", "error", msg, "cause_chain", chain)

	p.opts.Bus.Publish(bus.TopicInvocationFailed, bus.InvocationFailedEvent{
		Kind:   kind,
		Name:   name,
		UserID: userID,
		Cause:  msg,
	})
	if p.opts.Observer != nil {
		p.opts.Observer(kind, name, err)
	}
}
