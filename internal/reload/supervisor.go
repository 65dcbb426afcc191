// Package reload tears the runtime down and rebuilds it when plugin sources
// change. It is only wired in debug mode.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/herald/internal/bus"
	hotel "github.com/basket/herald/internal/otel"
)

// ErrReloadInProgress is returned when a cycle is requested while another is
// running. The request is not lost: it becomes the single follow-up cycle.
var ErrReloadInProgress = errors.New("reload: cycle already in progress")

// Target is the runtime being reloaded. Each method is one step of the cycle.
type Target interface {
	NotifyOwner(ctx context.Context, text string) error
	DetachEvents()
	Disconnect(ctx context.Context) error
	ClearRegistries()
	NewClient() error
	Discover(ctx context.Context) error
	Connect(ctx context.Context) error
}

type Options struct {
	// NoticeDelay separates the owner notice from teardown.
	NoticeDelay time.Duration
	Bus         *bus.Bus
	Metrics     *hotel.Metrics
	// Now is the clock used for the announced reload time.
	Now func() time.Time
}

// Supervisor runs reload cycles one at a time. Requests arriving during a
// cycle collapse into at most one follow-up cycle.
type Supervisor struct {
	target Target
	logger *slog.Logger
	opts   Options

	mu            sync.Mutex
	running       bool
	pending       bool
	pendingReason string
	wg            sync.WaitGroup
}

func NewSupervisor(target Target, logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{target: target, logger: logger.With("component", "reload"), opts: opts}
}

// Request schedules a cycle on ctx and returns immediately. While a cycle is
// running the request is queued and ErrReloadInProgress is returned.
func (s *Supervisor) Request(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.pendingReason = reason
		s.mu.Unlock()
		s.logger.Info("reload already running, queued follow-up", "trigger", reason)
		return ErrReloadInProgress
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.loop(ctx, reason)
	}()
	return nil
}

// Run executes one cycle synchronously. It fails with ErrReloadInProgress
// instead of queueing when a cycle is already running.
func (s *Supervisor) Run(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrReloadInProgress
	}
	s.running = true
	s.mu.Unlock()

	err := s.cycle(ctx, reason)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// Running reports whether a cycle is in progress.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until every cycle started by Request has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Watch requests a cycle for each event until events closes or ctx ends.
func (s *Supervisor) Watch(ctx context.Context, events <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-events:
			if !ok {
				return
			}
			_ = s.Request(ctx, path)
		}
	}
}

func (s *Supervisor) loop(ctx context.Context, reason string) {
	for {
		_ = s.cycle(ctx, reason)

		s.mu.Lock()
		if !s.pending || ctx.Err() != nil {
			s.running = false
			s.pending = false
			s.mu.Unlock()
			return
		}
		reason = s.pendingReason
		s.pending = false
		s.mu.Unlock()
	}
}

// cycle performs the nine steps in order. Step errors are logged and the
// sequence continues; only cancellation during the notice delay stops it,
// before anything has been torn down.
func (s *Supervisor) cycle(ctx context.Context, reason string) error {
	start := time.Now()
	logger := s.logger.With("trigger", reason)
	logger.Info("reload started")
	s.opts.Bus.Publish(bus.TopicReloadStarted, bus.ReloadEvent{Trigger: reason, StartedAt: start})

	at := s.opts.Now().Add(s.opts.NoticeDelay).UTC()
	notice := fmt.Sprintf("Reloading plugins at %s (changed: %s).", at.Format(time.TimeOnly+" MST"), reason)
	if err := s.target.NotifyOwner(ctx, notice); err != nil {
		logger.Warn("reload notice not delivered", "error", err)
	}

	if s.opts.NoticeDelay > 0 {
		t := time.NewTimer(s.opts.NoticeDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return s.finish(ctx, logger, reason, start, ctx.Err())
		case <-t.C:
		}
	}

	var errs []error
	step := func(name string, err error) {
		if err != nil {
			logger.Error("reload step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	s.target.DetachEvents()
	step("disconnect", s.target.Disconnect(ctx))
	s.target.ClearRegistries()
	step("new client", s.target.NewClient())
	step("discover", s.target.Discover(ctx))
	step("connect", s.target.Connect(ctx))

	err := errors.Join(errs...)
	done := fmt.Sprintf("Reload finished in %s.", time.Since(start).Round(time.Millisecond))
	if err != nil {
		done = fmt.Sprintf("Reload finished with errors in %s: %v", time.Since(start).Round(time.Millisecond), err)
	}
	if nerr := s.target.NotifyOwner(ctx, done); nerr != nil {
		logger.Warn("reload completion notice not delivered", "error", nerr)
	}
	return s.finish(ctx, logger, reason, start, err)
}

func (s *Supervisor) finish(ctx context.Context, logger *slog.Logger, reason string, start time.Time, err error) error {
	d := time.Since(start)
	ev := bus.ReloadEvent{Trigger: reason, StartedAt: start, Duration: d}
	s.opts.Metrics.RecordReload(ctx, d, err != nil)
	if err != nil {
		ev.Err = err.Error()
		logger.Error("reload failed", "duration", d, "error", err)
		s.opts.Bus.Publish(bus.TopicReloadFailed, ev)
		return err
	}
	logger.Info("reload completed", "duration", d)
	s.opts.Bus.Publish(bus.TopicReloadCompleted, ev)
	return nil
}
