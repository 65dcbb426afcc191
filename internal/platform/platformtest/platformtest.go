// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/basket/herald/internal/platform"
)

// Sent is one outbound message recorded by the fake.
type Sent struct {
	ChannelID string
	Text      string
}

// Client records every call it receives. Err* fields make the matching call
// fail. Calls is an ordered log of method names, useful for sequencing checks.
type Client struct {
	platform.Emitter

	Name string

	ConnectErr  error
	SendErr     error
	DMErr       error
	PublishErr  error
	PresenceErr error

	mu        sync.Mutex
	connected bool
	calls     []string
	sent      []Sent
	published []platform.CommandSpec
	presence  []platform.Presence
	nextMsg   int
	self      platform.User
}

func New() *Client {
	return &Client{Name: "fake", self: platform.User{ID: "bot", Name: "herald", Bot: true}}
}

func (c *Client) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls returns the ordered method log.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Client) Published() []platform.CommandSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.CommandSpec(nil), c.published...)
}

func (c *Client) Presences() []platform.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.Presence(nil), c.presence...)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Backend() string { return c.Name }

func (c *Client) Connect(ctx context.Context) error {
	c.record("Connect")
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.record("Disconnect")
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) Send(ctx context.Context, channelID, text string) (platform.Message, error) {
	c.record("Send")
	if c.SendErr != nil {
		return platform.Message{}, c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsg++
	c.sent = append(c.sent, Sent{ChannelID: channelID, Text: text})
	return platform.Message{
		ID:        strconv.Itoa(c.nextMsg),
		ChannelID: channelID,
		Author:    c.self,
		Content:   text,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Client) Edit(ctx context.Context, channelID, messageID, text string) (platform.Message, error) {
	c.record("Edit")
	return platform.Message{ID: messageID, ChannelID: channelID, Author: c.self, Content: text}, nil
}

func (c *Client) OffAll() {
	c.record("OffAll")
	c.Emitter.OffAll()
}

func (c *Client) Channel(ctx context.Context, id string) (platform.Channel, error) {
	return platform.Channel{ID: id, Name: "channel-" + id}, nil
}

func (c *Client) DMChannel(ctx context.Context, userID string) (platform.Channel, error) {
	c.record("DMChannel")
	if c.DMErr != nil {
		return platform.Channel{}, c.DMErr
	}
	return platform.Channel{ID: "dm-" + userID, DM: true}, nil
}

func (c *Client) User(ctx context.Context, id string) (platform.User, error) {
	return platform.User{ID: id, Name: "user-" + id}, nil
}

func (c *Client) Self() platform.User { return c.self }

func (c *Client) SetPresence(ctx context.Context, p platform.Presence) error {
	c.record("SetPresence")
	if c.PresenceErr != nil {
		return c.PresenceErr
	}
	c.mu.Lock()
	c.presence = append(c.presence, p)
	c.mu.Unlock()
	return nil
}

func (c *Client) PublishCommands(ctx context.Context, cmds []platform.CommandSpec) error {
	c.record("PublishCommands")
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.mu.Lock()
	c.published = append([]platform.CommandSpec(nil), cmds...)
	c.mu.Unlock()
	return nil
}

// Responder records replies for a fake invocation.
type Responder struct {
	Perms    platform.Permissions
	PermsErr error
	ReplyErr error

	mu      sync.Mutex
	replies []string
}

func (r *Responder) Reply(ctx context.Context, text string) error {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
	return r.ReplyErr
}

func (r *Responder) Permissions(ctx context.Context) (platform.Permissions, error) {
	return r.Perms, r.PermsErr
}

// Replies returns every reply attempt, including failed ones.
func (r *Responder) Replies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

var invSeq struct {
	sync.Mutex
	n int
}

// Message builds a guild message invocation from userID with content.
func Message(userID, content string) (*platform.Invocation, *Responder) {
	r := &Responder{}
	return &platform.Invocation{
		Kind:      platform.KindMessage,
		ID:        nextID(),
		User:      platform.User{ID: userID, Name: "user-" + userID},
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		CreatedAt: time.Now(),
		Responder: r,
	}, r
}

// Interaction builds a structured invocation of command with options.
func Interaction(userID, command string, options map[string]any) (*platform.Invocation, *Responder) {
	r := &Responder{}
	return &platform.Invocation{
		Kind:        platform.KindInteraction,
		ID:          nextID(),
		User:        platform.User{ID: userID, Name: "user-" + userID},
		ChannelID:   "c1",
		GuildID:     "g1",
		CommandName: command,
		Options:     options,
		CreatedAt:   time.Now(),
		Responder:   r,
	}, r
}

func nextID() string {
	invSeq.Lock()
	defer invSeq.Unlock()
	invSeq.n++
	return fmt.Sprintf("inv-%d", invSeq.n)
}

var _ platform.Client = (*Client)(nil)
