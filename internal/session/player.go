package session

import (
	"context"
	"encoding/json"
)

// Player is one guild's playback handle on the node.
type Player struct {
	node *Node

	GuildID        string
	VoiceChannelID string
	TextChannelID  string

	state json.RawMessage
}

// State returns the last playerUpdate state reported by the node.
func (p *Player) State() json.RawMessage {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return append(json.RawMessage(nil), p.state...)
}

func (p *Player) Pause(ctx context.Context, pause bool) error {
	return p.node.send(ctx, message{Op: "pause", GuildID: p.GuildID, Pause: &pause})
}

func (p *Player) Stop(ctx context.Context) error {
	return p.node.send(ctx, message{Op: "stop", GuildID: p.GuildID})
}

func (p *Player) Destroy(ctx context.Context) error {
	return p.node.Destroy(ctx, p.GuildID)
}
