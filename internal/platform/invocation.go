package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// InvocationKind tells a prefix message apart from a structured interaction.
type InvocationKind string

const (
	KindMessage     InvocationKind = "message"
	KindInteraction InvocationKind = "interaction"
)

// Responder is the backend half of an Invocation.
type Responder interface {
	Reply(ctx context.Context, text string) error
	Permissions(ctx context.Context) (Permissions, error)
}

// Invocation is the normalized view over a conversational message or a
// structured interaction. It is the single argument of messageCreate and
// interactionCreate events.
type Invocation struct {
	Kind        InvocationKind `json:"kind"`
	ID          string         `json:"id"`
	User        User           `json:"user"`
	ChannelID   string         `json:"channel_id"`
	GuildID     string         `json:"guild_id,omitempty"`
	Content     string         `json:"content,omitempty"`
	CommandName string         `json:"command,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	Responder Responder `json:"-"`
}

// Reply answers the invocation in its originating channel or interaction.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	if inv.Responder == nil {
		return ErrNotConnected
	}
	return inv.Responder.Reply(ctx, text)
}

// Permissions resolves the invoking member's permissions lazily. Outside a
// guild it returns ErrNoMember.
func (inv *Invocation) Permissions(ctx context.Context) (Permissions, error) {
	if inv.GuildID == "" || inv.Responder == nil {
		return 0, ErrNoMember
	}
	return inv.Responder.Permissions(ctx)
}

// Permissions is a backend-neutral permission bit set.
type Permissions uint64

const (
	PermAdministrator Permissions = 1 << iota
	PermManageGuild
	PermManageChannels
	PermManageRoles
	PermManageMessages
	PermKickMembers
	PermBanMembers
	PermModerateMembers
	PermSendMessages
	PermVoiceConnect
	PermVoiceSpeak
)

var permNames = map[string]Permissions{
	"administrator":    PermAdministrator,
	"manage_guild":     PermManageGuild,
	"manage_channels":  PermManageChannels,
	"manage_roles":     PermManageRoles,
	"manage_messages":  PermManageMessages,
	"kick_members":     PermKickMembers,
	"ban_members":      PermBanMembers,
	"moderate_members": PermModerateMembers,
	"send_messages":    PermSendMessages,
	"connect":          PermVoiceConnect,
	"speak":            PermVoiceSpeak,
}

// ParsePermission maps a descriptor permission name (case and separator
// insensitive, e.g. "BanMembers" or "ban_members") to its bit.
func ParsePermission(name string) (Permissions, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := permNames[key]; ok {
		return p, nil
	}
	var b strings.Builder
	for i, r := range strings.TrimSpace(name) {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	key = strings.ToLower(strings.ReplaceAll(b.String(), "-", "_"))
	if p, ok := permNames[key]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// Has reports whether p grants all of want. Administrator grants everything.
func (p Permissions) Has(want Permissions) bool {
	if p&PermAdministrator != 0 {
		return true
	}
	return p&want == want
}

// Missing lists the names of bits in want that p lacks.
func (p Permissions) Missing(want Permissions) []string {
	if p.Has(want) {
		return nil
	}
	var out []string
	for name, bit := range permNames {
		if want&bit != 0 && p&bit == 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
