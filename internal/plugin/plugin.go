// Package plugin defines the canonical command and event descriptors and the
// validator that turns a loaded module export into one of them.
package plugin

import (
	"context"
	"io"
	"time"

	"github.com/basket/herald/internal/platform"
)

// CommandFunc runs one command invocation. args are the whitespace-split
// words after the command name for prefix messages, or nil for structured
// interactions (which carry Options instead).
type CommandFunc func(ctx context.Context, host Host, inv *platform.Invocation, args []string) error

// EventFunc runs one platform event with the normalized payload values.
type EventFunc func(ctx context.Context, host Host, args ...any) error

// Command is a validated command descriptor. It is immutable once registered.
type Command struct {
	Name        string
	Description string
	Aliases     []string
	Usage       string
	Category    string
	Permissions []string
	OwnerOnly   bool
	// Structured commands are published to the platform's native command
	// mechanism and dispatched from interactionCreate.
	Structured bool
	Options    []platform.OptionSpec
	Beta       bool
	// Cooldown is the per-user interval. Zero means the runtime default.
	Cooldown time.Duration
	Execute  CommandFunc

	// File is the source path the descriptor was loaded from.
	File string

	closer io.Closer
}

// Event is a validated event descriptor.
type Event struct {
	Name    string
	Once    bool
	Execute EventFunc
	File    string

	closer io.Closer
}

// CommandBuilder is the second authoring shape: an object whose Build returns
// a plain descriptor.
type CommandBuilder interface {
	BuildCommand() (*Command, error)
}

type EventBuilder interface {
	BuildEvent() (*Event, error)
}

// SetCloser attaches the resource released when the descriptor is dropped.
func (c *Command) SetCloser(cl io.Closer) { c.closer = cl }

// Close releases the descriptor's backing resources, if any.
func (c *Command) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (e *Event) SetCloser(cl io.Closer) { e.closer = cl }

func (e *Event) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// Info is the read-only summary of a registered command.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Aliases     []string `json:"aliases,omitempty"`
	Usage       string   `json:"usage,omitempty"`
	Structured  bool     `json:"structured"`
	OwnerOnly   bool     `json:"owner_only,omitempty"`
	Beta        bool     `json:"beta,omitempty"`
}

func (c *Command) Info() Info {
	return Info{
		Name:        c.Name,
		Description: c.Description,
		Category:    c.Category,
		Aliases:     append([]string(nil), c.Aliases...),
		Usage:       c.Usage,
		Structured:  c.Structured,
		OwnerOnly:   c.OwnerOnly,
		Beta:        c.Beta,
	}
}

// Spec is the definition forwarded to the platform's bulk registration call.
func (c *Command) Spec() platform.CommandSpec {
	desc := c.Description
	if desc == "" {
		desc = c.Name
	}
	return platform.CommandSpec{Name: c.Name, Description: desc, Options: c.Options}
}

// Flags is the runtime feature-flag control exposed to plugins.
type Flags interface {
	Disable(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disabled() []string
	Beta() []string
}

// Host is the runtime surface a plugin sees as its context argument.
type Host interface {
	Client() platform.Client
	Prefix() string
	OwnerID() string
	Uptime() time.Duration
	Commands() []Info
	Flags() Flags
	// Player asks the session manager for a player bound to the given guild
	// voice and text channels.
	Player(ctx context.Context, guildID, voiceChannelID, textChannelID string) error
	// RequestReload schedules a reload cycle.
	RequestReload(reason string) error
}
