package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramPollTimeout = 60

var errTelegramClosed = errors.New("telegram: update channel closed")

// Telegram is the long-poll adapter. Telegram has no presence concept, so
// SetPresence is accepted and ignored. Bot commands whose name was published
// through PublishCommands surface as interactionCreate; everything else is a
// messageCreate.
type Telegram struct {
	Emitter

	token    string
	endpoint string
	client   tgbotapi.HTTPClient
	logger   *slog.Logger

	mu        sync.RWMutex
	bot       *tgbotapi.BotAPI
	published map[string][]OptionSpec
	stop      context.CancelFunc
	done      chan struct{}
}

func NewTelegram(token string, logger *slog.Logger) *Telegram {
	return &Telegram{
		token:     token,
		endpoint:  tgbotapi.APIEndpoint,
		client:    &http.Client{},
		logger:    logger.With("backend", "telegram"),
		published: make(map[string][]OptionSpec),
	}
}

// NewTelegramWithEndpoint points the adapter at a different Bot API server.
func NewTelegramWithEndpoint(token, endpoint string, client tgbotapi.HTTPClient, logger *slog.Logger) *Telegram {
	t := NewTelegram(token, logger)
	t.endpoint = endpoint
	if client != nil {
		t.client = client
	}
	return t
}

func (t *Telegram) Backend() string { return "telegram" }

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, ErrNotConnected
	}
	return t.bot, nil
}

func (t *Telegram) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.bot != nil {
		t.mu.Unlock()
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	t.bot = bot
	t.stop = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)
	go t.poll(pollCtx, bot, updates, done)

	t.Emit(pollCtx, Event{Name: EventReady, Args: []any{telegramUser(&bot.Self)}})
	return nil
}

// Disconnect stops long-polling. The adapter does not reconnect by itself.
func (t *Telegram) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	bot, stop, done := t.bot, t.stop, t.done
	t.bot, t.stop = nil, nil
	t.mu.Unlock()
	if bot == nil {
		return nil
	}
	stop()
	bot.StopReceivingUpdates()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// poll drains the update channel. tgbotapi retries failed getUpdates calls
// itself and sends nothing for an empty long-poll, so silence is not a
// failure; the channel only closes after StopReceivingUpdates.
func (t *Telegram) poll(ctx context.Context, bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			t.Emit(context.Background(), Event{Name: EventDisconnect, Args: []any{Disconnected{Requested: true}}})
			return
		case update, ok := <-updates:
			if !ok && ctx.Err() != nil {
				t.Emit(context.Background(), Event{Name: EventDisconnect, Args: []any{Disconnected{Requested: true}}})
				return
			}
			if !ok {
				t.mu.Lock()
				if t.bot == bot {
					t.stop()
					t.bot, t.stop = nil, nil
				}
				t.mu.Unlock()
				t.logger.Warn("telegram update channel closed")
				t.Emit(context.Background(), Event{Name: EventDisconnect, Args: []any{Disconnected{Err: errTelegramClosed}}})
				return
			}
			t.dispatch(ctx, update)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		ev := t.normalizeMessage(update.Message)
		t.Emit(ctx, ev)
	case update.MyChatMember != nil:
		m := update.MyChatMember
		if m.NewChatMember.Status == "member" || m.NewChatMember.Status == "administrator" {
			t.Emit(ctx, Event{Name: EventGuildCreate, Args: []any{Guild{ID: formatID(m.Chat.ID), Name: m.Chat.Title}}})
		}
	}
}

// normalizeMessage maps a Telegram message onto messageCreate or, for a
// published bot command, interactionCreate.
func (t *Telegram) normalizeMessage(msg *tgbotapi.Message) Event {
	inv := &Invocation{
		Kind:      KindMessage,
		ID:        strconv.Itoa(msg.MessageID),
		User:      telegramUser(msg.From),
		ChannelID: formatID(msg.Chat.ID),
		Content:   msg.Text,
		CreatedAt: msg.Time(),
		Responder: &telegramResponder{t: t, chatID: msg.Chat.ID, userID: msg.From.ID, replyTo: msg.MessageID},
	}
	if !msg.Chat.IsPrivate() {
		inv.GuildID = inv.ChannelID
	}
	if msg.IsCommand() {
		name := strings.ToLower(msg.Command())
		t.mu.RLock()
		specs, ok := t.published[name]
		t.mu.RUnlock()
		if ok {
			inv.Kind = KindInteraction
			inv.CommandName = name
			inv.Options = mapPositional(specs, msg.CommandArguments())
			return Event{Name: EventInteractionCreate, Args: []any{inv}}
		}
	}
	return Event{Name: EventMessageCreate, Args: []any{inv}}
}

// mapPositional assigns whitespace-separated args to option names in order.
// The last option takes the remainder of the line.
func mapPositional(specs []OptionSpec, raw string) map[string]any {
	out := make(map[string]any, len(specs))
	fields := strings.Fields(raw)
	for i, spec := range specs {
		if i >= len(fields) {
			break
		}
		val := fields[i]
		if i == len(specs)-1 && len(fields) > len(specs) {
			val = strings.Join(fields[i:], " ")
		}
		out[spec.Name] = coerceOption(spec.Type, val)
	}
	return out
}

func coerceOption(typ, val string) any {
	switch typ {
	case OptionInteger:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	case OptionNumber:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	case OptionBoolean:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return val
}

func (t *Telegram) Send(ctx context.Context, channelID, text string) (Message, error) {
	bot, err := t.api()
	if err != nil {
		return Message{}, err
	}
	chatID, err := parseID(channelID)
	if err != nil {
		return Message{}, err
	}
	m, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return Message{}, err
	}
	return telegramMessage(&m), nil
}

func (t *Telegram) Edit(ctx context.Context, channelID, messageID, text string) (Message, error) {
	bot, err := t.api()
	if err != nil {
		return Message{}, err
	}
	chatID, err := parseID(channelID)
	if err != nil {
		return Message{}, err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return Message{}, fmt.Errorf("telegram: bad message id %q", messageID)
	}
	m, err := bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text))
	if err != nil {
		return Message{}, err
	}
	return telegramMessage(&m), nil
}

func (t *Telegram) Channel(ctx context.Context, id string) (Channel, error) {
	bot, err := t.api()
	if err != nil {
		return Channel{}, err
	}
	chatID, err := parseID(id)
	if err != nil {
		return Channel{}, err
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return Channel{}, err
	}
	return telegramChannel(&chat), nil
}

// DMChannel returns the private chat with userID; Telegram private chat ids
// equal the user id.
func (t *Telegram) DMChannel(ctx context.Context, userID string) (Channel, error) {
	if _, err := t.api(); err != nil {
		return Channel{}, err
	}
	if _, err := parseID(userID); err != nil {
		return Channel{}, err
	}
	return Channel{ID: userID, DM: true}, nil
}

func (t *Telegram) User(ctx context.Context, id string) (User, error) {
	bot, err := t.api()
	if err != nil {
		return User{}, err
	}
	uid, err := parseID(id)
	if err != nil {
		return User{}, err
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: uid}})
	if err != nil {
		return User{}, err
	}
	name := chat.UserName
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return User{ID: id, Name: name}, nil
}

func (t *Telegram) Self() User {
	bot, err := t.api()
	if err != nil {
		return User{}
	}
	return telegramUser(&bot.Self)
}

func (t *Telegram) SetPresence(ctx context.Context, p Presence) error {
	return nil
}

// PublishCommands registers the bot command menu and remembers option
// layouts for positional argument mapping.
func (t *Telegram) PublishCommands(ctx context.Context, cmds []CommandSpec) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	published := make(map[string][]OptionSpec, len(cmds))
	botCmds := make([]tgbotapi.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(c.Name)
		published[name] = c.Options
		desc := c.Description
		if desc == "" {
			desc = name
		}
		botCmds = append(botCmds, tgbotapi.BotCommand{Command: name, Description: desc})
	}
	if _, err := bot.Request(tgbotapi.NewSetMyCommands(botCmds...)); err != nil {
		return err
	}
	t.mu.Lock()
	t.published = published
	t.mu.Unlock()
	return nil
}

type telegramResponder struct {
	t       *Telegram
	chatID  int64
	userID  int64
	replyTo int
}

func (r *telegramResponder) Reply(ctx context.Context, text string) error {
	bot, err := r.t.api()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(r.chatID, text)
	msg.ReplyToMessageID = r.replyTo
	_, err = bot.Send(msg)
	return err
}

func (r *telegramResponder) Permissions(ctx context.Context) (Permissions, error) {
	bot, err := r.t.api()
	if err != nil {
		return 0, err
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: r.chatID, UserID: r.userID},
	})
	if err != nil {
		return 0, err
	}
	return telegramPerms(member), nil
}

func telegramPerms(m tgbotapi.ChatMember) Permissions {
	if m.IsCreator() {
		return PermAdministrator
	}
	p := PermSendMessages
	if !m.IsAdministrator() {
		return p
	}
	if m.CanRestrictMembers {
		p |= PermKickMembers | PermBanMembers | PermModerateMembers
	}
	if m.CanDeleteMessages {
		p |= PermManageMessages
	}
	if m.CanChangeInfo {
		p |= PermManageGuild | PermManageChannels
	}
	if m.CanPromoteMembers {
		p |= PermManageRoles
	}
	return p
}

func telegramUser(u *tgbotapi.User) User {
	if u == nil {
		return User{}
	}
	name := u.UserName
	if name == "" {
		name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	return User{ID: formatID(u.ID), Name: name, Bot: u.IsBot}
}

func telegramChannel(c *tgbotapi.Chat) Channel {
	ch := Channel{ID: formatID(c.ID), Name: c.Title, DM: c.IsPrivate()}
	if ch.Name == "" {
		ch.Name = c.UserName
	}
	if !ch.DM {
		ch.GuildID = ch.ID
	}
	return ch
}

func telegramMessage(m *tgbotapi.Message) Message {
	out := Message{
		ID:        strconv.Itoa(m.MessageID),
		Author:    telegramUser(m.From),
		Content:   m.Text,
		CreatedAt: m.Time(),
	}
	if m.Chat != nil {
		out.ChannelID = formatID(m.Chat.ID)
		if !m.Chat.IsPrivate() {
			out.GuildID = out.ChannelID
		}
	}
	return out
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad id %q", s)
	}
	return id, nil
}
