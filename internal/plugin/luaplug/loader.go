// Package luaplug loads command and event plugins written in Lua. A plugin
// file returns either a descriptor table carrying name and execute, or a
// table with a build function returning such a descriptor.
package luaplug

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
)

// Ext is the plugin file extension.
const Ext = ".lua"

// Loader turns plugin files into validated descriptors.
type Loader struct {
	logger *slog.Logger
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "luaplug")}
}

// Match reports whether path is a plugin candidate.
func (l *Loader) Match(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Ext)
}

func (l *Loader) LoadCommand(path string) (*plugin.Command, error) {
	st, export, err := open(path, l.logger)
	if err != nil {
		return nil, err
	}
	cmd, err := plugin.NormalizeCommand(path, st.commandExport(export))
	if err != nil {
		st.Close()
		return nil, err
	}
	cmd.SetCloser(st)
	return cmd, nil
}

func (l *Loader) LoadEvent(path string) (*plugin.Event, error) {
	st, export, err := open(path, l.logger)
	if err != nil {
		return nil, err
	}
	ev, err := plugin.NormalizeEvent(path, st.eventExport(export))
	if err != nil {
		st.Close()
		return nil, err
	}
	ev.SetCloser(st)
	return ev, nil
}

// commandExport maps the chunk's return value onto the Go shape union.
// Non-table values pass through unchanged so the validator rejects them.
func (s *state) commandExport(v lua.LValue) any {
	t, ok := v.(*lua.LTable)
	if !ok {
		return v
	}
	if build := tableFunc(t, "build"); build != nil && t.RawGetString("name") == lua.LNil {
		return &commandBuilder{st: s, self: t, build: build}
	}
	return s.decodeCommand(t)
}

func (s *state) eventExport(v lua.LValue) any {
	t, ok := v.(*lua.LTable)
	if !ok {
		return v
	}
	if build := tableFunc(t, "build"); build != nil && t.RawGetString("name") == lua.LNil {
		return &eventBuilder{st: s, self: t, build: build}
	}
	return s.decodeEvent(t)
}

type commandBuilder struct {
	st    *state
	self  *lua.LTable
	build *lua.LFunction
}

func (b *commandBuilder) BuildCommand() (*plugin.Command, error) {
	out, err := b.st.call(context.Background(), b.build, 1, func(*lua.LState) []lua.LValue {
		return []lua.LValue{b.self}
	})
	if err != nil {
		return nil, err
	}
	t, ok := first(out).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("build returned %s, want table", first(out).Type())
	}
	return b.st.decodeCommand(t), nil
}

type eventBuilder struct {
	st    *state
	self  *lua.LTable
	build *lua.LFunction
}

func (b *eventBuilder) BuildEvent() (*plugin.Event, error) {
	out, err := b.st.call(context.Background(), b.build, 1, func(*lua.LState) []lua.LValue {
		return []lua.LValue{b.self}
	})
	if err != nil {
		return nil, err
	}
	t, ok := first(out).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("build returned %s, want table", first(out).Type())
	}
	return b.st.decodeEvent(t), nil
}

func first(vals []lua.LValue) lua.LValue {
	if len(vals) == 0 {
		return lua.LNil
	}
	return vals[0]
}

func (s *state) decodeCommand(t *lua.LTable) *plugin.Command {
	cmd := &plugin.Command{
		Name:        tableString(t, "name"),
		Description: tableString(t, "description"),
		Aliases:     tableStrings(t, "aliases"),
		Usage:       tableString(t, "usage"),
		Category:    tableString(t, "category"),
		Permissions: tableStrings(t, "permissions"),
		OwnerOnly:   tableBool(t, "ownerOnly", "owner_only"),
		Structured:  tableBool(t, "slashCommand", "slash_command", "structured"),
		Beta:        tableBool(t, "beta"),
		Cooldown:    time.Duration(tableNumber(t, "cooldown") * float64(time.Second)),
	}
	if opts, ok := t.RawGetString("options").(*lua.LTable); ok {
		for i := 1; i <= opts.Len(); i++ {
			o, ok := opts.RawGetInt(i).(*lua.LTable)
			if !ok {
				continue
			}
			typ := tableString(o, "type")
			if typ == "" {
				typ = platform.OptionString
			}
			cmd.Options = append(cmd.Options, platform.OptionSpec{
				Name:        tableString(o, "name"),
				Description: tableString(o, "description"),
				Type:        strings.ToLower(typ),
				Required:    tableBool(o, "required"),
			})
		}
	}
	if fn := tableFunc(t, "execute"); fn != nil {
		cmd.Execute = s.commandFunc(fn)
	}
	return cmd
}

func (s *state) decodeEvent(t *lua.LTable) *plugin.Event {
	ev := &plugin.Event{
		Name: tableString(t, "name"),
		Once: tableBool(t, "once"),
	}
	if fn := tableFunc(t, "execute"); fn != nil {
		ev.Execute = s.eventFunc(fn)
	}
	return ev
}

// commandFunc calls execute(ctx, inv, args).
func (s *state) commandFunc(fn *lua.LFunction) plugin.CommandFunc {
	return func(ctx context.Context, host plugin.Host, inv *platform.Invocation, args []string) error {
		_, err := s.call(ctx, fn, 0, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{
				s.hostTable(L, ctx, host, callerID(inv)),
				s.invocationTable(L, ctx, inv),
				toLua(L, args),
			}
		})
		return err
	}
}

func callerID(inv *platform.Invocation) string {
	if inv == nil {
		return ""
	}
	return inv.User.ID
}

// eventFunc calls execute(ctx, ...). Invocation payloads keep their reply
// capability; everything else is passed as plain tables.
func (s *state) eventFunc(fn *lua.LFunction) plugin.EventFunc {
	return func(ctx context.Context, host plugin.Host, args ...any) error {
		_, err := s.call(ctx, fn, 0, func(L *lua.LState) []lua.LValue {
			caller := ""
			for _, a := range args {
				if inv, ok := a.(*platform.Invocation); ok {
					caller = callerID(inv)
					break
				}
			}
			vals := []lua.LValue{s.hostTable(L, ctx, host, caller)}
			for _, a := range args {
				if inv, ok := a.(*platform.Invocation); ok {
					vals = append(vals, s.invocationTable(L, ctx, inv))
					continue
				}
				vals = append(vals, toLua(L, a))
			}
			return vals
		})
		return err
	}
}
