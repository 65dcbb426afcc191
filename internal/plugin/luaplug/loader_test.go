package luaplug

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/platform/platformtest"
	"github.com/basket/herald/internal/plugin"
)

type fakeFlags struct{ disabled []string }

func (f *fakeFlags) Disable(_ context.Context, name string) error {
	f.disabled = append(f.disabled, name)
	return nil
}
func (f *fakeFlags) Enable(context.Context, string) error { return nil }
func (f *fakeFlags) Disabled() []string                   { return f.disabled }
func (f *fakeFlags) Beta() []string                       { return nil }

type fakeHost struct {
	client  *platformtest.Client
	flags   *fakeFlags
	reloads []string
}

func newHost() *fakeHost {
	return &fakeHost{client: platformtest.New(), flags: &fakeFlags{}}
}

func (h *fakeHost) Client() platform.Client { return h.client }
func (h *fakeHost) Prefix() string          { return "!" }
func (h *fakeHost) OwnerID() string         { return "owner" }
func (h *fakeHost) Uptime() time.Duration   { return 90 * time.Second }
func (h *fakeHost) Commands() []plugin.Info {
	return []plugin.Info{{Name: "ping", Category: "util"}}
}
func (h *fakeHost) Flags() plugin.Flags { return h.flags }
func (h *fakeHost) Player(context.Context, string, string, string) error {
	return nil
}
func (h *fakeHost) RequestReload(reason string) error {
	h.reloads = append(h.reloads, reason)
	return nil
}

func writePlugin(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return path
}

func testLoader() *Loader {
	return NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadCommand_PlainShape(t *testing.T) {
	path := writePlugin(t, "ping.lua", `
return {
  name = "ping",
  description = "replies pong",
  aliases = {"p"},
  category = "util",
  cooldown = 5,
  permissions = {"send_messages"},
  execute = function(ctx, inv, args)
    inv:reply("pong " .. (args[1] or "") .. " " .. ctx.prefix)
  end,
}
`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()
	if cmd.Name != "ping" || cmd.Aliases[0] != "p" || cmd.Cooldown != 5*time.Second || cmd.File != path {
		t.Fatalf("unexpected descriptor %+v", cmd)
	}

	inv, resp := platformtest.Message("u1", "!ping there")
	if err := cmd.Execute(context.Background(), newHost(), inv, []string{"there"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := resp.Replies(); len(got) != 1 || got[0] != "pong there !" {
		t.Fatalf("unexpected replies %v", got)
	}
}

func TestLoadCommand_BuilderShape(t *testing.T) {
	path := writePlugin(t, "ban.lua", `
local M = {}
function M:build()
  return {
    name = "ban",
    slashCommand = true,
    options = {{name = "user", description = "who", type = "user", required = true}},
    execute = function(ctx, inv) inv.reply("banned " .. inv.options.user) end,
  }
end
return M
`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()
	if !cmd.Structured || len(cmd.Options) != 1 || cmd.Options[0].Type != platform.OptionUser {
		t.Fatalf("unexpected descriptor %+v", cmd)
	}
	inv, resp := platformtest.Interaction("u1", "ban", map[string]any{"user": "42"})
	if err := cmd.Execute(context.Background(), newHost(), inv, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := resp.Replies(); len(got) != 1 || got[0] != "banned 42" {
		t.Fatalf("unexpected replies %v", got)
	}
}

func TestLoadCommand_RejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"string.lua":     `return "nope"`,
		"nothing.lua":    `local x = 1`,
		"noexec.lua":     `return { name = "x" }`,
		"noname.lua":     `return { execute = function() end }`,
		"badbuilder.lua": `return { build = function() return 5 end }`,
	}
	for name, src := range cases {
		path := writePlugin(t, name, src)
		_, err := testLoader().LoadCommand(path)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("%s: error does not name file: %v", name, err)
		}
	}
	path := writePlugin(t, "string.lua", `return "nope"`)
	if _, err := testLoader().LoadCommand(path); !errors.Is(err, plugin.ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape, got %v", err)
	}
}

func TestLoadCommand_SyntaxAndImportErrors(t *testing.T) {
	path := writePlugin(t, "syntax.lua", `return {`)
	_, err := testLoader().LoadCommand(path)
	var se *plugin.ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScriptError, got %T %v", err, err)
	}

	path = writePlugin(t, "throws.lua", `error("import failed")`)
	_, err = testLoader().LoadCommand(path)
	if err == nil || !strings.Contains(err.Error(), "import failed") {
		t.Fatalf("expected import error, got %v", err)
	}
}

func TestExecute_ScriptErrorCarriesTraceAndCause(t *testing.T) {
	path := writePlugin(t, "fail.lua", `
return {
  name = "fail",
  execute = function(ctx, inv) error("boom") end,
}
`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()

	inv, _ := platformtest.Message("u1", "!fail")
	err = cmd.Execute(context.Background(), newHost(), inv, nil)
	var se *plugin.ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScriptError, got %T %v", err, err)
	}
	if !strings.Contains(se.Message, "boom") || se.File != path {
		t.Fatalf("unexpected script error %+v", se)
	}

	replyErr := errors.New("read: connection reset by peer")
	path = writePlugin(t, "reply.lua", `return { name = "r", execute = function(ctx, inv) inv:reply("x") end }`)
	cmd2, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd2.Close()
	inv, resp := platformtest.Message("u1", "!r")
	resp.ReplyErr = replyErr
	err = cmd2.Execute(context.Background(), newHost(), inv, nil)
	if !errors.Is(err, replyErr) {
		t.Fatalf("expected host error as cause, got %v", err)
	}
}

func TestExecute_ContextDeadlineStopsScript(t *testing.T) {
	path := writePlugin(t, "spin.lua", `return { name = "spin", execute = function() while true do end end }`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.Execute(ctx, newHost(), &platform.Invocation{}, nil) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from cancelled script")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("script was not stopped by its context")
	}
}

func TestExecute_HostAPI(t *testing.T) {
	path := writePlugin(t, "host.lua", `
return {
  name = "host",
  execute = function(ctx, inv)
    local cmds = ctx.commands()
    ctx.send("c9", cmds[1].name .. " " .. math.floor(ctx.uptime()))
    ctx.flags.disable("play")
    ctx.reload("manual")
  end,
}
`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()
	host := newHost()
	owner := &platform.Invocation{User: platform.User{ID: "owner"}}
	if err := cmd.Execute(context.Background(), host, owner, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	sent := host.client.Sent()
	if len(sent) != 1 || sent[0].ChannelID != "c9" || sent[0].Text != "ping 90" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if len(host.flags.disabled) != 1 || host.flags.disabled[0] != "play" {
		t.Fatalf("flags.disable not forwarded: %v", host.flags.disabled)
	}
	if len(host.reloads) != 1 || host.reloads[0] != "manual" {
		t.Fatalf("reload not requested: %v", host.reloads)
	}
}

func TestLoadEvent_ReceivesPayloadTables(t *testing.T) {
	path := writePlugin(t, "guild.lua", `
return {
  name = "guildCreate",
  once = true,
  execute = function(ctx, guild)
    ctx.send("log", "joined " .. guild.name .. " (" .. guild.member_count .. ")")
  end,
}
`)
	ev, err := testLoader().LoadEvent(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer ev.Close()
	if ev.Name != platform.EventGuildCreate || !ev.Once {
		t.Fatalf("unexpected event %+v", ev)
	}
	host := newHost()
	if err := ev.Execute(context.Background(), host, platform.Guild{ID: "g", Name: "crew", MemberCount: 12}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sent := host.client.Sent(); len(sent) != 1 || sent[0].Text != "joined crew (12)" {
		t.Fatalf("unexpected sends %+v", sent)
	}
}

func TestClosedStateRefusesCalls(t *testing.T) {
	path := writePlugin(t, "ok.lua", `return { name = "ok", execute = function() end }`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cmd.Execute(context.Background(), newHost(), &platform.Invocation{}, nil); !errors.Is(err, ErrStateClosed) {
		t.Fatalf("expected ErrStateClosed, got %v", err)
	}
}

func TestCloseStopsRunningScript(t *testing.T) {
	path := writePlugin(t, "hang.lua", `return { name = "hang", execute = function() while true do end end }`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Execute(context.Background(), newHost(), &platform.Invocation{}, nil) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = cmd.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a running script")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from a script stopped by Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("running script not stopped by Close")
	}
	if err := cmd.Execute(context.Background(), newHost(), &platform.Invocation{}, nil); !errors.Is(err, ErrStateClosed) {
		t.Fatalf("expected ErrStateClosed after Close, got %v", err)
	}
}

func TestFlagsMutationRequiresOwner(t *testing.T) {
	path := writePlugin(t, "toggle.lua", `return { name = "toggle", execute = function(ctx) ctx.flags.disable("play") end }`)
	cmd, err := testLoader().LoadCommand(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cmd.Close()

	host := newHost()
	stranger := &platform.Invocation{User: platform.User{ID: "u2"}}
	if err := cmd.Execute(context.Background(), host, stranger, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-owner, got %v", err)
	}
	if err := cmd.Execute(context.Background(), host, nil, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner without a caller, got %v", err)
	}
	if len(host.flags.disabled) != 0 {
		t.Fatalf("flags changed by non-owner: %v", host.flags.disabled)
	}
	owner := &platform.Invocation{User: platform.User{ID: "owner"}}
	if err := cmd.Execute(context.Background(), host, owner, nil); err != nil {
		t.Fatalf("owner execute: %v", err)
	}
	if len(host.flags.disabled) != 1 {
		t.Fatalf("owner disable not forwarded: %v", host.flags.disabled)
	}
}
