package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/herald/internal/pipeline"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/platform/platformtest"
	"github.com/basket/herald/internal/plugin"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestGate_CooldownWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := pipeline.NewGate("", 3*time.Second, nil)
	g.SetClock(clock.now)
	cmd := &plugin.Command{Name: "x"}
	ctx := context.Background()

	inv, _ := platformtest.Message("U", "!x")
	if d := g.Check(ctx, cmd, inv); d != nil {
		t.Fatalf("first invocation denied: %v", d)
	}

	clock.advance(time.Second)
	d := g.Check(ctx, cmd, inv)
	if d == nil || d.Reason != pipeline.DenyCooldown {
		t.Fatalf("repeat at +1s = %v, want cooldown denial", d)
	}
	if d.Remaining < 1900*time.Millisecond || d.Remaining > 2100*time.Millisecond {
		t.Fatalf("remaining = %v, want ~2s", d.Remaining)
	}
	if !strings.Contains(d.Message(), "2.0") {
		t.Fatalf("message %q does not report the wait", d.Message())
	}

	clock.advance(3 * time.Second)
	if d := g.Check(ctx, cmd, inv); d != nil {
		t.Fatalf("invocation at +4s denied: %v", d)
	}
}

func TestGate_CooldownIsPerUserAndCommand(t *testing.T) {
	g := pipeline.NewGate("", time.Minute, nil)
	ctx := context.Background()
	x := &plugin.Command{Name: "x"}
	y := &plugin.Command{Name: "y"}

	a, _ := platformtest.Message("A", "!x")
	b, _ := platformtest.Message("B", "!x")
	if d := g.Check(ctx, x, a); d != nil {
		t.Fatalf("A/x: %v", d)
	}
	if d := g.Check(ctx, x, b); d != nil {
		t.Fatalf("B/x: %v", d)
	}
	if d := g.Check(ctx, y, a); d != nil {
		t.Fatalf("A/y: %v", d)
	}
	if g.Active() != 3 {
		t.Fatalf("Active = %d, want 3", g.Active())
	}
}

func TestGate_DescriptorCooldownOverridesDefault(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	g := pipeline.NewGate("", 3*time.Second, nil)
	g.SetClock(clock.now)
	cmd := &plugin.Command{Name: "slow", Cooldown: 10 * time.Second}
	inv, _ := platformtest.Message("U", "!slow")

	g.Check(context.Background(), cmd, inv)
	clock.advance(5 * time.Second)
	if d := g.Check(context.Background(), cmd, inv); d == nil {
		t.Fatal("expected denial inside the descriptor's 10s window")
	}
}

func TestGate_RejectionDoesNotExtendWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	g := pipeline.NewGate("", 3*time.Second, nil)
	g.SetClock(clock.now)
	cmd := &plugin.Command{Name: "x"}
	inv, _ := platformtest.Message("U", "!x")
	ctx := context.Background()

	g.Check(ctx, cmd, inv)
	clock.advance(2 * time.Second)
	g.Check(ctx, cmd, inv)
	clock.advance(1500 * time.Millisecond)
	if d := g.Check(ctx, cmd, inv); d != nil {
		t.Fatalf("window extended by a rejected attempt: %v", d)
	}
}

func TestGate_OwnerOnly(t *testing.T) {
	g := pipeline.NewGate("owner", 0, nil)
	cmd := &plugin.Command{Name: "eval", OwnerOnly: true}

	stranger, _ := platformtest.Message("u1", "!eval")
	if d := g.Check(context.Background(), cmd, stranger); d == nil || d.Reason != pipeline.DenyOwnerOnly {
		t.Fatalf("stranger: %v", d)
	}
	owner, _ := platformtest.Message("owner", "!eval")
	if d := g.Check(context.Background(), cmd, owner); d != nil {
		t.Fatalf("owner denied: %v", d)
	}

	unset := pipeline.NewGate("", 0, nil)
	if d := unset.Check(context.Background(), cmd, owner); d == nil {
		t.Fatal("owner-only command allowed with no owner configured")
	}
}

func TestGate_Permissions(t *testing.T) {
	g := pipeline.NewGate("", 0, nil)
	cmd := &plugin.Command{Name: "ban", Permissions: []string{"BanMembers", "kick_members"}}
	ctx := context.Background()

	inv, resp := platformtest.Message("u1", "!ban")
	resp.Perms = platform.PermKickMembers
	d := g.Check(ctx, cmd, inv)
	if d == nil || d.Reason != pipeline.DenyPermissions {
		t.Fatalf("got %v, want permission denial", d)
	}
	if len(d.Missing) != 1 || d.Missing[0] != "ban_members" {
		t.Fatalf("missing = %v", d.Missing)
	}

	resp.Perms = platform.PermAdministrator
	if d := g.Check(ctx, cmd, inv); d != nil {
		t.Fatalf("administrator denied: %v", d)
	}

	dm, _ := platformtest.Message("u1", "!ban")
	dm.GuildID = ""
	if d := g.Check(ctx, cmd, dm); d == nil || d.Reason != pipeline.DenyNoMember {
		t.Fatalf("dm: %v", d)
	}

	broken, bresp := platformtest.Message("u1", "!ban")
	bresp.PermsErr = errors.New("rate limited")
	if d := g.Check(ctx, cmd, broken); d == nil || d.Reason != pipeline.DenyPermissions {
		t.Fatalf("lookup failure: %v", d)
	}
}

func TestGate_UnknownPermissionDenies(t *testing.T) {
	g := pipeline.NewGate("", 0, nil)
	cmd := &plugin.Command{Name: "odd", Permissions: []string{"fly"}}
	inv, resp := platformtest.Message("u1", "!odd")
	resp.Perms = platform.PermAdministrator
	if d := g.Check(context.Background(), cmd, inv); d == nil {
		t.Fatal("unknown permission should deny")
	}
}
