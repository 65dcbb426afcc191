package bus

import "time"

// Lifecycle topics.
const (
	TopicReloadStarted      = "reload.started"
	TopicReloadCompleted    = "reload.completed"
	TopicReloadFailed       = "reload.failed"
	TopicRegistryDiscovered = "registry.discovered"
	TopicInvocationFailed   = "invocation.failed"
	TopicFlagChanged        = "flags.changed"
)

// ReloadEvent accompanies the reload.* topics.
type ReloadEvent struct {
	Trigger   string        `json:"trigger"` // path of the file change that started the cycle
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// DiscoveredEvent is published after each discovery pass.
type DiscoveredEvent struct {
	Commands int `json:"commands"`
	Events   int `json:"events"`
	Failed   int `json:"failed"`
}

// InvocationFailedEvent describes a contained plugin failure.
type InvocationFailedEvent struct {
	Kind   string `json:"kind"` // command or event
	Name   string `json:"name"`
	UserID string `json:"user_id,omitempty"`
	Cause  string `json:"cause"`
}

// FlagChangedEvent is published when a command is disabled or enabled at runtime.
type FlagChangedEvent struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
}
