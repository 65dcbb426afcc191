// Package platform presents one capability surface over the chat SDKs the
// runtime can run on. Exactly one backend is constructed per adapter and call
// sites never branch on which one it is.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/herald/internal/config"
)

// Normalized event names emitted by every backend.
const (
	EventReady             = "ready"
	EventMessageCreate     = "messageCreate"
	EventInteractionCreate = "interactionCreate"
	EventGuildCreate       = "guildCreate"
	EventVoiceStateUpdate  = "voiceStateUpdate"
	EventVoiceServerUpdate = "voiceServerUpdate"
	EventDisconnect        = "disconnect"
	// EventResumed follows a disconnect the adapter recovered from by itself.
	EventResumed           = "resumed"
)

var (
	ErrNotConnected   = errors.New("platform: not connected")
	ErrUnknownBackend = errors.New("platform: unknown backend")
	// ErrNoMember is returned by Permissions when the invocation has no guild
	// member view, e.g. in a direct message.
	ErrNoMember = errors.New("platform: no guild member")
)

// Event is one platform event after normalization. Args hold the payload
// values documented next to each Event* constant's producer.
type Event struct {
	Name string
	Args []any
}

// Handler receives normalized events.
type Handler func(ctx context.Context, ev Event)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot"`
}

type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id,omitempty"`
	DM      bool   `json:"dm"`
}

type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	Author    User      `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// VoiceState is the payload of voiceStateUpdate. Raw is the platform's own
// encoding, forwarded untouched to the session manager.
type VoiceState struct {
	GuildID   string          `json:"guild_id"`
	ChannelID string          `json:"channel_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Raw       json.RawMessage `json:"-"`
}

// VoiceServer is the payload of voiceServerUpdate.
type VoiceServer struct {
	GuildID  string          `json:"guild_id"`
	Token    string          `json:"token"`
	Endpoint string          `json:"endpoint"`
	Raw      json.RawMessage `json:"-"`
}

// Disconnected is the payload of the disconnect event.
type Disconnected struct {
	Err error `json:"-"`
	// Requested is true when the disconnect came from Client.Disconnect.
	Requested bool `json:"requested"`
	// Reconnecting is true when the adapter restores the link by itself.
	Reconnecting bool `json:"reconnecting"`
}

// Presence is a status plus optional activity line.
type Presence struct {
	Status       string // online, idle, dnd, invisible
	ActivityName string
	ActivityType string // playing, listening, watching, competing
}

// Option types accepted in CommandSpec.
const (
	OptionString  = "string"
	OptionInteger = "integer"
	OptionNumber  = "number"
	OptionBoolean = "boolean"
	OptionUser    = "user"
	OptionChannel = "channel"
	OptionRole    = "role"
)

type OptionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
}

// CommandSpec is a structured command definition as published to the platform.
type CommandSpec struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Options     []OptionSpec `json:"options,omitempty"`
}

// Client is the adapter surface. Connect opens the persistent connection;
// Disconnect closes it without any automatic reconnection. Platform errors
// are returned unchanged and never retried here.
type Client interface {
	Backend() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Send(ctx context.Context, channelID, text string) (Message, error)
	Edit(ctx context.Context, channelID, messageID, text string) (Message, error)

	On(event string, h Handler) ListenerID
	Once(event string, h Handler) ListenerID
	Off(id ListenerID)
	OffAll()

	Channel(ctx context.Context, id string) (Channel, error)
	DMChannel(ctx context.Context, userID string) (Channel, error)
	User(ctx context.Context, id string) (User, error)
	Self() User

	SetPresence(ctx context.Context, p Presence) error
	PublishCommands(ctx context.Context, cmds []CommandSpec) error
}

// New constructs the adapter selected by opts.Features.Backend. No network
// connection is opened until Connect.
func New(opts *config.Options, cred config.Credential, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Features.Backend {
	case config.BackendDiscord:
		return NewDiscord(cred.Token, logger)
	case config.BackendTelegram:
		return NewTelegram(cred.Token, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Features.Backend)
	}
}
