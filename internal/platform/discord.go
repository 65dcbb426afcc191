package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

const discordIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

var discordPerms = []struct {
	bit  int64
	perm Permissions
}{
	{discordgo.PermissionAdministrator, PermAdministrator},
	{discordgo.PermissionManageServer, PermManageGuild},
	{discordgo.PermissionManageChannels, PermManageChannels},
	{discordgo.PermissionManageRoles, PermManageRoles},
	{discordgo.PermissionManageMessages, PermManageMessages},
	{discordgo.PermissionKickMembers, PermKickMembers},
	{discordgo.PermissionBanMembers, PermBanMembers},
	{discordgo.PermissionModerateMembers, PermModerateMembers},
	{discordgo.PermissionSendMessages, PermSendMessages},
	{discordgo.PermissionVoiceConnect, PermVoiceConnect},
	{discordgo.PermissionVoiceSpeak, PermVoiceSpeak},
}

var discordOptionTypes = map[string]discordgo.ApplicationCommandOptionType{
	OptionString:  discordgo.ApplicationCommandOptionString,
	OptionInteger: discordgo.ApplicationCommandOptionInteger,
	OptionNumber:  discordgo.ApplicationCommandOptionNumber,
	OptionBoolean: discordgo.ApplicationCommandOptionBoolean,
	OptionUser:    discordgo.ApplicationCommandOptionUser,
	OptionChannel: discordgo.ApplicationCommandOptionChannel,
	OptionRole:    discordgo.ApplicationCommandOptionRole,
}

var discordActivities = map[string]discordgo.ActivityType{
	"playing":   discordgo.ActivityTypeGame,
	"streaming": discordgo.ActivityTypeStreaming,
	"listening": discordgo.ActivityTypeListening,
	"watching":  discordgo.ActivityTypeWatching,
	"competing": discordgo.ActivityTypeCompeting,
}

// Discord is the discordgo-backed adapter.
type Discord struct {
	Emitter

	session *discordgo.Session
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	requested atomic.Bool
}

// NewDiscord builds a session for token. The gateway is not dialed until Connect.
func NewDiscord(token string, logger *slog.Logger) (*Discord, error) {
	s, err := discordgo.New("Bot " + strings.TrimPrefix(token, "Bot "))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordIntents
	s.StateEnabled = true

	ctx, cancel := context.WithCancel(context.Background())
	d := &Discord{
		session: s,
		logger:  logger.With("backend", "discord"),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.bindSession()
	return d, nil
}

func (d *Discord) Backend() string { return "discord" }

func (d *Discord) bindSession() {
	s := d.session
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		d.Emit(d.ctx, Event{Name: EventReady, Args: []any{discordUser(r.User)}})
	})
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil {
			return
		}
		d.Emit(d.ctx, Event{Name: EventMessageCreate, Args: []any{d.messageInvocation(m.Message)}})
	})
	s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		d.Emit(d.ctx, Event{Name: EventInteractionCreate, Args: []any{d.interactionInvocation(i.Interaction)}})
	})
	s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.Emit(d.ctx, Event{Name: EventGuildCreate, Args: []any{Guild{ID: g.ID, Name: g.Name, MemberCount: g.MemberCount}}})
	})
	s.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v.VoiceState == nil {
			return
		}
		raw, _ := json.Marshal(v.VoiceState)
		d.Emit(d.ctx, Event{Name: EventVoiceStateUpdate, Args: []any{VoiceState{
			GuildID:   v.GuildID,
			ChannelID: v.ChannelID,
			UserID:    v.UserID,
			SessionID: v.SessionID,
			Raw:       raw,
		}}})
	})
	s.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
		raw, _ := json.Marshal(v)
		d.Emit(d.ctx, Event{Name: EventVoiceServerUpdate, Args: []any{VoiceServer{
			GuildID:  v.GuildID,
			Token:    v.Token,
			Endpoint: v.Endpoint,
			Raw:      raw,
		}}})
	})
	// discordgo redials on its own after an unrequested drop and fires
	// Connect once the gateway is back.
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.mu.Lock()
		d.connected = true
		d.mu.Unlock()
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		d.Emit(d.ctx, Event{Name: EventResumed})
	})
	s.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
		requested := d.requested.Load()
		d.Emit(d.ctx, Event{Name: EventDisconnect, Args: []any{disconnectPayload(requested, s.ShouldReconnectOnError)}})
	})
}

func (d *Discord) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	if err := d.session.Open(); err != nil {
		return err
	}
	d.connected = true
	d.logger.Info("discord gateway connected")
	return nil
}

// disconnectPayload describes a gateway drop. Only unrequested drops with
// discordgo's redial enabled recover without a restart.
func disconnectPayload(requested, redial bool) Disconnected {
	return Disconnected{Requested: requested, Reconnecting: !requested && redial}
}

// Disconnect closes the gateway for good.
func (d *Discord) Disconnect(ctx context.Context) error {
	d.requested.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.session.ShouldReconnectOnError = false
	err := d.session.Close()
	d.cancel()
	return err
}

func (d *Discord) Send(ctx context.Context, channelID, text string) (Message, error) {
	m, err := d.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, err
	}
	return discordMessage(m), nil
}

func (d *Discord) Edit(ctx context.Context, channelID, messageID, text string) (Message, error) {
	m, err := d.session.ChannelMessageEdit(channelID, messageID, text, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, err
	}
	return discordMessage(m), nil
}

func (d *Discord) Channel(ctx context.Context, id string) (Channel, error) {
	c, err := d.session.State.Channel(id)
	if err != nil || c == nil {
		c, err = d.session.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			return Channel{}, err
		}
	}
	return discordChannel(c), nil
}

func (d *Discord) DMChannel(ctx context.Context, userID string) (Channel, error) {
	c, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return Channel{}, err
	}
	return discordChannel(c), nil
}

func (d *Discord) User(ctx context.Context, id string) (User, error) {
	u, err := d.session.User(id, discordgo.WithContext(ctx))
	if err != nil {
		return User{}, err
	}
	return discordUser(u), nil
}

func (d *Discord) Self() User {
	if d.session.State == nil || d.session.State.User == nil {
		return User{}
	}
	return discordUser(d.session.State.User)
}

func (d *Discord) SetPresence(ctx context.Context, p Presence) error {
	data := discordgo.UpdateStatusData{Status: p.Status}
	if p.ActivityName != "" {
		typ, ok := discordActivities[strings.ToLower(p.ActivityType)]
		if !ok {
			typ = discordgo.ActivityTypeGame
		}
		data.Activities = []*discordgo.Activity{{Name: p.ActivityName, Type: typ}}
	}
	return d.session.UpdateStatusComplex(data)
}

// PublishCommands replaces the global application command set.
func (d *Discord) PublishCommands(ctx context.Context, cmds []CommandSpec) error {
	self := d.Self()
	if self.ID == "" {
		return ErrNotConnected
	}
	out := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		ac := &discordgo.ApplicationCommand{Name: c.Name, Description: c.Description}
		for _, o := range c.Options {
			typ, ok := discordOptionTypes[o.Type]
			if !ok {
				typ = discordgo.ApplicationCommandOptionString
			}
			ac.Options = append(ac.Options, &discordgo.ApplicationCommandOption{
				Type:        typ,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			})
		}
		out = append(out, ac)
	}
	_, err := d.session.ApplicationCommandBulkOverwrite(self.ID, "", out, discordgo.WithContext(ctx))
	return err
}

func (d *Discord) messageInvocation(m *discordgo.Message) *Invocation {
	return &Invocation{
		Kind:      KindMessage,
		ID:        m.ID,
		User:      discordUser(m.Author),
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
		Responder: &discordMessageResponder{d: d, msg: m},
	}
}

func (d *Discord) interactionInvocation(i *discordgo.Interaction) *Invocation {
	data := i.ApplicationCommandData()
	var user *discordgo.User
	if i.Member != nil {
		user = i.Member.User
	} else {
		user = i.User
	}
	opts := make(map[string]any, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o.Value
	}
	return &Invocation{
		Kind:        KindInteraction,
		ID:          i.ID,
		User:        discordUser(user),
		ChannelID:   i.ChannelID,
		GuildID:     i.GuildID,
		CommandName: data.Name,
		Options:     opts,
		Responder:   &discordInteractionResponder{d: d, in: i},
	}
}

type discordMessageResponder struct {
	d   *Discord
	msg *discordgo.Message
}

func (r *discordMessageResponder) Reply(ctx context.Context, text string) error {
	_, err := r.d.session.ChannelMessageSendReply(r.msg.ChannelID, text, r.msg.Reference(), discordgo.WithContext(ctx))
	return err
}

func (r *discordMessageResponder) Permissions(ctx context.Context) (Permissions, error) {
	if r.msg.GuildID == "" {
		return 0, ErrNoMember
	}
	bits, err := r.d.session.UserChannelPermissions(r.msg.Author.ID, r.msg.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return fromDiscordPerms(bits), nil
}

// discordInteractionResponder answers with the initial interaction response
// the first time and with follow-up messages afterwards.
type discordInteractionResponder struct {
	d         *Discord
	in        *discordgo.Interaction
	responded atomic.Bool
}

func (r *discordInteractionResponder) Reply(ctx context.Context, text string) error {
	if r.responded.CompareAndSwap(false, true) {
		return r.d.session.InteractionRespond(r.in, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: text},
		}, discordgo.WithContext(ctx))
	}
	_, err := r.d.session.FollowupMessageCreate(r.in, true, &discordgo.WebhookParams{Content: text}, discordgo.WithContext(ctx))
	return err
}

func (r *discordInteractionResponder) Permissions(ctx context.Context) (Permissions, error) {
	if r.in.Member == nil {
		return 0, ErrNoMember
	}
	return fromDiscordPerms(r.in.Member.Permissions), nil
}

func fromDiscordPerms(bits int64) Permissions {
	var p Permissions
	for _, m := range discordPerms {
		if bits&m.bit != 0 {
			p |= m.perm
		}
	}
	return p
}

func discordUser(u *discordgo.User) User {
	if u == nil {
		return User{}
	}
	return User{ID: u.ID, Name: u.Username, Bot: u.Bot}
}

func discordChannel(c *discordgo.Channel) Channel {
	return Channel{
		ID:      c.ID,
		Name:    c.Name,
		GuildID: c.GuildID,
		DM:      c.Type == discordgo.ChannelTypeDM || c.Type == discordgo.ChannelTypeGroupDM,
	}
}

func discordMessage(m *discordgo.Message) Message {
	return Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author:    discordUser(m.Author),
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
}
