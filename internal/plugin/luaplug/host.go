package luaplug

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
)

// hostTable builds the ctx argument handed to execute. Functions close over
// the invocation's context so host calls honour its deadline.
// hostTable builds the ctx argument. caller is the invoking user, or empty
// for events without one; only the owner may change flags.
func (s *state) hostTable(L *lua.LState, ctx context.Context, host plugin.Host, caller string) *lua.LTable {
	t := L.NewTable()
	if host == nil {
		return t
	}
	t.RawSetString("prefix", lua.LString(host.Prefix()))
	t.RawSetString("owner_id", lua.LString(host.OwnerID()))

	t.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		channel, text := methodArgs2(L)
		msg, err := host.Client().Send(ctx, channel, text)
		if err != nil {
			return s.raise(L, "send", err)
		}
		L.Push(lua.LString(msg.ID))
		return 1
	}))
	t.RawSetString("edit", L.NewFunction(func(L *lua.LState) int {
		off := selfOffset(L)
		channel := L.CheckString(1 + off)
		id := L.CheckString(2 + off)
		text := L.CheckString(3 + off)
		if _, err := host.Client().Edit(ctx, channel, id, text); err != nil {
			return s.raise(L, "edit", err)
		}
		return 0
	}))
	t.RawSetString("user", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1 + selfOffset(L))
		u, err := host.Client().User(ctx, id)
		if err != nil {
			return s.raise(L, "user", err)
		}
		L.Push(toLua(L, u))
		return 1
	}))
	t.RawSetString("uptime", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(host.Uptime().Seconds()))
		return 1
	}))
	t.RawSetString("commands", L.NewFunction(func(L *lua.LState) int {
		infos := host.Commands()
		list := L.CreateTable(len(infos), 0)
		for _, info := range infos {
			list.Append(toLua(L, info))
		}
		L.Push(list)
		return 1
	}))
	t.RawSetString("player", L.NewFunction(func(L *lua.LState) int {
		off := selfOffset(L)
		guild := L.CheckString(1 + off)
		voice := L.CheckString(2 + off)
		text := L.CheckString(3 + off)
		if err := host.Player(ctx, guild, voice, text); err != nil {
			return s.raise(L, "player", err)
		}
		return 0
	}))
	t.RawSetString("reload", L.NewFunction(func(L *lua.LState) int {
		reason := L.OptString(1+selfOffset(L), "requested by "+s.file)
		if err := host.RequestReload(reason); err != nil {
			return s.raise(L, "reload", err)
		}
		return 0
	}))
	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		s.logger.Info(L.CheckString(1 + selfOffset(L)))
		return 0
	}))

	flags := L.NewTable()
	owner := host.OwnerID() != "" && caller == host.OwnerID()
	flags.RawSetString("disable", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1 + selfOffset(L))
		if !owner {
			return s.raise(L, "flags.disable", ErrNotOwner)
		}
		if err := host.Flags().Disable(ctx, name); err != nil {
			return s.raise(L, "flags.disable", err)
		}
		return 0
	}))
	flags.RawSetString("enable", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1 + selfOffset(L))
		if !owner {
			return s.raise(L, "flags.enable", ErrNotOwner)
		}
		if err := host.Flags().Enable(ctx, name); err != nil {
			return s.raise(L, "flags.enable", err)
		}
		return 0
	}))
	flags.RawSetString("list", L.NewFunction(func(L *lua.LState) int {
		out := L.NewTable()
		out.RawSetString("disabled", toLua(L, host.Flags().Disabled()))
		out.RawSetString("beta", toLua(L, host.Flags().Beta()))
		L.Push(out)
		return 1
	}))
	t.RawSetString("flags", flags)
	return t
}

// invocationTable is the inv argument. reply works with both inv:reply(x)
// and inv.reply(x).
func (s *state) invocationTable(L *lua.LState, ctx context.Context, inv *platform.Invocation) *lua.LTable {
	t := L.NewTable()
	if inv == nil {
		return t
	}
	t.RawSetString("kind", lua.LString(inv.Kind))
	t.RawSetString("id", lua.LString(inv.ID))
	t.RawSetString("user_id", lua.LString(inv.User.ID))
	t.RawSetString("user_name", lua.LString(inv.User.Name))
	t.RawSetString("channel_id", lua.LString(inv.ChannelID))
	t.RawSetString("guild_id", lua.LString(inv.GuildID))
	t.RawSetString("content", lua.LString(inv.Content))
	t.RawSetString("command", lua.LString(inv.CommandName))
	opts := make(map[string]any, len(inv.Options))
	for k, v := range inv.Options {
		opts[k] = v
	}
	t.RawSetString("options", toLua(L, opts))
	t.RawSetString("reply", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(1 + selfOffset(L))
		if err := inv.Reply(ctx, text); err != nil {
			return s.raise(L, "reply", err)
		}
		return 0
	}))
	return t
}

// selfOffset is 1 when the function was called with method syntax.
func selfOffset(L *lua.LState) int {
	if L.GetTop() > 0 {
		if _, ok := L.Get(1).(*lua.LTable); ok {
			return 1
		}
	}
	return 0
}

func methodArgs2(L *lua.LState) (string, string) {
	off := selfOffset(L)
	return L.CheckString(1 + off), L.CheckString(2 + off)
}
