package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/basket/herald/internal/audit"
	"github.com/basket/herald/internal/pipeline"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
	"github.com/basket/herald/internal/shared"
)

// DisabledReply answers an invocation of a command disabled at runtime.
const DisabledReply = "This command is currently disabled."

const replyTimeout = 5 * time.Second

// attachCore subscribes the runtime's own handlers to c. Plugin events are
// bound separately by discovery.
func (b *Bot) attachCore(c platform.Client) {
	c.On(platform.EventReady, b.onReady)
	c.On(platform.EventMessageCreate, b.onMessage)
	c.On(platform.EventInteractionCreate, b.onInteraction)
	c.On(platform.EventDisconnect, b.onDisconnect)
	c.On(platform.EventResumed, b.onResumed)
	if b.session != nil {
		c.On(platform.EventVoiceStateUpdate, b.onVoiceState)
		c.On(platform.EventVoiceServerUpdate, b.onVoiceServer)
	}
}

// bindEvent subscribes a plugin event descriptor to the active adapter.
func (b *Bot) bindEvent(ev *plugin.Event) {
	h := func(ctx context.Context, e platform.Event) {
		b.spawn(func() { b.pipeline.RunEvent(ctx, b, ev, e.Args...) })
	}
	c := b.Client()
	if ev.Once {
		c.Once(ev.Name, h)
		return
	}
	c.On(ev.Name, h)
}

func (b *Bot) spawn(fn func()) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		fn()
	}()
}

func (b *Bot) onReady(ctx context.Context, e platform.Event) {
	b.mu.Lock()
	b.readyAt = time.Now()
	b.mu.Unlock()

	c := b.Client()
	self := c.Self()
	cmds, structured, events := b.registry.Counts()
	b.logger.Info("ready", "backend", c.Backend(), "user", self.Name,
		"commands", cmds, "structured_commands", structured, "events", events)

	if specs := b.registry.StructuredSpecs(); len(specs) > 0 {
		if err := c.PublishCommands(ctx, specs); err != nil {
			b.logger.Error("structured command publication failed", "count", len(specs), "error", err)
		} else {
			b.logger.Info("structured commands published", "count", len(specs))
		}
	}

	if b.session != nil && !b.session.Connected() {
		if err := b.session.Connect(ctx, self.ID); err != nil {
			b.logger.Warn("session manager unreachable", "error", err)
		}
	}
	b.presence.Start(b.baseContext())
}

func (b *Bot) onDisconnect(_ context.Context, e platform.Event) {
	d, ok := arg[platform.Disconnected](e)
	if !ok {
		return
	}
	b.mu.Lock()
	b.readyAt = time.Time{}
	b.mu.Unlock()
	if d.Requested {
		return
	}
	b.logger.Warn("adapter disconnected", "error", d.Err, "reconnecting", d.Reconnecting)
	if shared.IsConnectionReset(d.Err) || !d.Reconnecting {
		b.scheduleExit("disconnect", d.Err)
	}
}

func (b *Bot) onResumed(_ context.Context, _ platform.Event) {
	b.mu.Lock()
	b.readyAt = time.Now()
	b.mu.Unlock()
	b.logger.Info("adapter link resumed", "backend", b.Client().Backend())
}

func (b *Bot) onMessage(ctx context.Context, e platform.Event) {
	inv, ok := arg[*platform.Invocation](e)
	if !ok || inv.User.Bot {
		return
	}
	prefix := b.cfg.Prefix
	if !strings.HasPrefix(inv.Content, prefix) {
		return
	}
	fields := strings.Fields(inv.Content[len(prefix):])
	if len(fields) == 0 {
		return
	}
	cmd, ok := b.registry.Command(fields[0])
	if !ok {
		return
	}
	inv.CommandName = cmd.Name
	b.dispatch(ctx, cmd, inv, fields[1:])
}

func (b *Bot) onInteraction(ctx context.Context, e platform.Event) {
	inv, ok := arg[*platform.Invocation](e)
	if !ok {
		return
	}
	cmd, ok := b.registry.Structured(inv.CommandName)
	if !ok {
		b.logger.Warn("no structured command matches interaction", "name", inv.CommandName)
		return
	}
	b.dispatch(ctx, cmd, inv, nil)
}

// dispatch applies the runtime disable switch and the gate, then hands the
// invocation to the pipeline on its own goroutine.
func (b *Bot) dispatch(ctx context.Context, cmd *plugin.Command, inv *platform.Invocation, args []string) {
	if b.flags.IsDisabled(cmd.Name) {
		b.reply(ctx, inv, DisabledReply)
		return
	}
	if d := b.gate.Check(ctx, cmd, inv); d != nil {
		b.logger.Info("invocation rejected", "name", cmd.Name, "user_id", inv.User.ID,
			"reason", d.Reason.String(), "remaining", d.Remaining)
		if d.Reason != pipeline.DenyCooldown {
			audit.Record(audit.DecisionDeny, "command."+cmd.Name, d.Reason.String(), inv.User.ID)
		}
		b.reply(ctx, inv, d.Message())
		return
	}
	b.spawn(func() { b.pipeline.RunCommand(ctx, b, cmd, inv, args) })
}

func (b *Bot) reply(ctx context.Context, inv *platform.Invocation, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := inv.Reply(ctx, text); err != nil && !errors.Is(err, platform.ErrNotConnected) {
		b.logger.Debug("reply not delivered", "error", err)
	}
}

func (b *Bot) onVoiceState(ctx context.Context, e platform.Event) {
	if vs, ok := arg[platform.VoiceState](e); ok {
		b.session.HandleVoiceState(ctx, vs)
	}
}

func (b *Bot) onVoiceServer(ctx context.Context, e platform.Event) {
	if vs, ok := arg[platform.VoiceServer](e); ok {
		b.session.HandleVoiceServer(ctx, vs)
	}
}

func (b *Bot) baseContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rootCtx
}

// arg returns the event's first argument as T.
func arg[T any](e platform.Event) (T, bool) {
	var zero T
	if len(e.Args) == 0 {
		return zero, false
	}
	v, ok := e.Args[0].(T)
	return v, ok
}
