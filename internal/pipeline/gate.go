package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	hotel "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
)

// DenyReason says why the gate refused an invocation.
type DenyReason int

const (
	DenyOwnerOnly DenyReason = iota + 1
	DenyPermissions
	DenyNoMember
	DenyCooldown
)

func (r DenyReason) String() string {
	switch r {
	case DenyOwnerOnly:
		return "owner_only"
	case DenyPermissions:
		return "permissions"
	case DenyNoMember:
		return "no_member"
	case DenyCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Denial is a rejected invocation. It is reported to the user and the
// invocation is not forwarded to the Pipeline.
type Denial struct {
	Reason    DenyReason
	Command   string
	Missing   []string
	Remaining time.Duration
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s denied: %s", d.Command, d.Reason)
}

// Message is the user-facing rejection text.
func (d *Denial) Message() string {
	switch d.Reason {
	case DenyOwnerOnly:
		return "This command is restricted to the bot owner."
	case DenyNoMember:
		return "This command can only be used in a server."
	case DenyPermissions:
		if len(d.Missing) == 0 {
			return "You do not have permission to use this command."
		}
		return "You are missing the following permissions: " + strings.Join(d.Missing, ", ")
	case DenyCooldown:
		secs := math.Ceil(d.Remaining.Seconds()*10) / 10
		return fmt.Sprintf("Please wait %.1f more second(s) before reusing the `%s` command.", secs, d.Command)
	default:
		return "This command cannot be used right now."
	}
}

type cooldownKey struct {
	command string
	user    string
}

// Gate performs the owner-only, permission and cooldown checks that precede
// execution. Cooldown entries expire lazily: an expired entry is only
// noticed, and replaced, on the next invocation by the same user.
type Gate struct {
	ownerID  string
	fallback time.Duration
	logger   *slog.Logger
	metrics  *hotel.Metrics
	now      func() time.Time

	mu   sync.Mutex
	last map[cooldownKey]time.Time
}

func NewGate(ownerID string, fallback time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ownerID:  ownerID,
		fallback: fallback,
		logger:   logger.With("component", "gate"),
		now:      time.Now,
		last:     make(map[cooldownKey]time.Time),
	}
}

// SetClock replaces the time source. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

func (g *Gate) SetMetrics(m *hotel.Metrics) { g.metrics = m }

// Check returns nil when inv may run cmd. A successful check starts the
// cooldown window for (cmd, user).
func (g *Gate) Check(ctx context.Context, cmd *plugin.Command, inv *platform.Invocation) *Denial {
	if cmd.OwnerOnly && (g.ownerID == "" || inv.User.ID != g.ownerID) {
		return &Denial{Reason: DenyOwnerOnly, Command: cmd.Name}
	}
	if d := g.checkPermissions(ctx, cmd, inv); d != nil {
		return d
	}
	return g.checkCooldown(ctx, cmd, inv.User.ID)
}

func (g *Gate) checkPermissions(ctx context.Context, cmd *plugin.Command, inv *platform.Invocation) *Denial {
	if len(cmd.Permissions) == 0 {
		return nil
	}
	var want platform.Permissions
	for _, name := range cmd.Permissions {
		p, err := platform.ParsePermission(name)
		if err != nil {
			g.logger.Warn("command requires unknown permission, denying", "name", cmd.Name, "permission", name)
			return &Denial{Reason: DenyPermissions, Command: cmd.Name}
		}
		want |= p
	}
	have, err := inv.Permissions(ctx)
	if errors.Is(err, platform.ErrNoMember) {
		return &Denial{Reason: DenyNoMember, Command: cmd.Name}
	}
	if err != nil {
		g.logger.Warn("permission lookup failed", "name", cmd.Name, "user_id", inv.User.ID, "error", err)
		return &Denial{Reason: DenyPermissions, Command: cmd.Name}
	}
	if missing := have.Missing(want); len(missing) > 0 {
		return &Denial{Reason: DenyPermissions, Command: cmd.Name, Missing: missing}
	}
	return nil
}

func (g *Gate) checkCooldown(ctx context.Context, cmd *plugin.Command, userID string) *Denial {
	interval := cmd.Cooldown
	if interval <= 0 {
		interval = g.fallback
	}
	if interval <= 0 {
		return nil
	}

	key := cooldownKey{command: cmd.Name, user: userID}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.last[key]; ok {
		if expires := at.Add(interval); now.Before(expires) {
			g.metrics.RecordCooldownReject(ctx, cmd.Name)
			return &Denial{Reason: DenyCooldown, Command: cmd.Name, Remaining: expires.Sub(now)}
		}
	}
	g.last[key] = now
	return nil
}

// Active reports how many cooldown entries are held, expired ones included.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
