// Package presence cycles the bot's status through the configured activities
// on a cron schedule.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/platform"
)

// parser accepts standard 5-field expressions and descriptors like "@every 10m".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ClientFunc returns the adapter currently in use. It may change across reloads.
type ClientFunc func() platform.Client

// VarsFunc supplies values for {placeholder} substitution in activity names.
type VarsFunc func() map[string]string

type Rotator struct {
	client   ClientFunc
	vars     VarsFunc
	status   string
	acts     []config.ActivityConfig
	schedule cronlib.Schedule
	spec     string
	logger   *slog.Logger

	mu   sync.Mutex
	next int
	cron *cronlib.Cron
}

// New validates cfg. A config without activities yields a Rotator whose
// Start and Stop do nothing.
func New(cfg config.PresenceConfig, client ClientFunc, vars VarsFunc, logger *slog.Logger) (*Rotator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("presence: parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Rotator{
		client:   client,
		vars:     vars,
		status:   cfg.Status,
		acts:     append([]config.ActivityConfig(nil), cfg.Activities...),
		schedule: sched,
		spec:     cfg.Schedule,
		logger:   logger.With("component", "presence"),
	}, nil
}

// Start applies the first activity and schedules the rest. Calling Start on a
// running rotator is a no-op.
func (r *Rotator) Start(ctx context.Context) {
	if len(r.acts) == 0 {
		return
	}
	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return
	}
	c := cronlib.New(cronlib.WithParser(parser))
	c.Schedule(r.schedule, cronlib.FuncJob(func() { r.Rotate(ctx) }))
	r.cron = c
	r.mu.Unlock()

	r.Rotate(ctx)
	c.Start()
	r.logger.Info("presence rotation started", "schedule", r.spec, "activities", len(r.acts))
}

// Stop halts rotation and waits for a running job to finish.
func (r *Rotator) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Rotate applies the next activity.
func (r *Rotator) Rotate(ctx context.Context) {
	if len(r.acts) == 0 {
		return
	}
	r.mu.Lock()
	act := r.acts[r.next%len(r.acts)]
	r.next++
	r.mu.Unlock()

	client := r.client()
	if client == nil {
		return
	}
	p := platform.Presence{
		Status:       r.status,
		ActivityName: r.expand(act.Name),
		ActivityType: act.Type,
	}
	if err := client.SetPresence(ctx, p); err != nil {
		r.logger.Warn("presence update failed", "activity", p.ActivityName, "error", err)
	}
}

func (r *Rotator) expand(name string) string {
	if r.vars == nil || !strings.Contains(name, "{") {
		return name
	}
	vars := r.vars()
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(name)
}
