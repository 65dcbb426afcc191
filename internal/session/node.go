// Package session links the runtime to an external audio session manager
// over a websocket. Players are created per guild and fed the platform's raw
// voice payloads so the manager can join voice on the bot's behalf.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/platform"
)

const (
	ClientName   = "herald"
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var (
	ErrNodeUnavailable = errors.New("session: node not connected")
	ErrNoPlayer        = errors.New("session: no player for guild")
)

// Stats is the node's periodic load report.
type Stats struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`
}

type message struct {
	Op        string          `json:"op"`
	GuildID   string          `json:"guildId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Type      string          `json:"type,omitempty"`
	Pause     *bool           `json:"pause,omitempty"`

	Players        int   `json:"players,omitempty"`
	PlayingPlayers int   `json:"playingPlayers,omitempty"`
	Uptime         int64 `json:"uptime,omitempty"`
}

// Node is one session-manager connection.
type Node struct {
	url      string
	password string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	userID  string
	players map[string]*Player
	voice   map[string]platform.VoiceState
	stats   Stats
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewNode builds a node for cfg. It does not dial.
func NewNode(cfg config.SessionConfig, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	return &Node{
		url:      scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		password: cfg.Password,
		logger:   logger.With("component", "session"),
		players:  make(map[string]*Player),
		voice:    make(map[string]platform.VoiceState),
	}
}

// NewNodeURL builds a node for an explicit websocket URL.
func NewNodeURL(url, password string, logger *slog.Logger) *Node {
	n := NewNode(config.SessionConfig{}, logger)
	n.url = url
	n.password = password
	return n
}

// Connect dials the node as userID and starts reading its messages.
func (n *Node) Connect(ctx context.Context, userID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", n.password)
	header.Set("User-Id", userID)
	header.Set("Client-Name", ClientName)
	conn, _, err := websocket.Dial(dialCtx, n.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", n.url, err)
	}

	readCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	n.mu.Lock()
	if n.conn != nil {
		n.mu.Unlock()
		stop()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return nil
	}
	n.conn = conn
	n.userID = userID
	n.cancel = stop
	n.done = make(chan struct{})
	done := n.done
	n.mu.Unlock()

	n.logger.Info("session node connected", "url", n.url)
	go n.read(readCtx, stop, conn, done)
	return nil
}

// Connected reports whether the link is up.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Close tears the link down. Players are forgotten.
func (n *Node) Close() error {
	n.mu.Lock()
	conn, cancel, done := n.conn, n.cancel, n.done
	n.conn, n.cancel = nil, nil
	n.players = make(map[string]*Player)
	n.voice = make(map[string]platform.VoiceState)
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close(websocket.StatusNormalClosure, "shutdown")
	<-done
	return err
}

func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Create returns the guild's player, creating it on first use. An existing
// player is rebound to the given channels.
func (n *Node) Create(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*Player, error) {
	if guildID == "" || voiceChannelID == "" {
		return nil, fmt.Errorf("session: guild and voice channel are required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil, ErrNodeUnavailable
	}
	p, ok := n.players[guildID]
	if !ok {
		p = &Player{node: n, GuildID: guildID}
		n.players[guildID] = p
		n.logger.Info("player created", "guild_id", guildID, "voice_channel_id", voiceChannelID)
	}
	p.VoiceChannelID = voiceChannelID
	p.TextChannelID = textChannelID
	return p, nil
}

func (n *Node) Player(guildID string) (*Player, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.players[guildID]
	return p, ok
}

// Destroy drops the guild's player on both ends.
func (n *Node) Destroy(ctx context.Context, guildID string) error {
	n.mu.Lock()
	_, ok := n.players[guildID]
	delete(n.players, guildID)
	delete(n.voice, guildID)
	n.mu.Unlock()
	if !ok {
		return ErrNoPlayer
	}
	return n.send(ctx, message{Op: "destroy", GuildID: guildID})
}

// HandleVoiceState records the bot's own voice session for a guild.
func (n *Node) HandleVoiceState(ctx context.Context, vs platform.VoiceState) {
	n.mu.Lock()
	if vs.UserID != n.userID {
		n.mu.Unlock()
		return
	}
	if vs.ChannelID == "" {
		delete(n.voice, vs.GuildID)
		delete(n.players, vs.GuildID)
		n.mu.Unlock()
		return
	}
	n.voice[vs.GuildID] = vs
	n.mu.Unlock()
}

// HandleVoiceServer forwards the raw server update, together with the
// session id from the matching voice state, to the node.
func (n *Node) HandleVoiceServer(ctx context.Context, vs platform.VoiceServer) {
	n.mu.Lock()
	state, ok := n.voice[vs.GuildID]
	_, hasPlayer := n.players[vs.GuildID]
	n.mu.Unlock()
	if !ok || !hasPlayer {
		n.logger.Debug("voice server update without session, ignored", "guild_id", vs.GuildID)
		return
	}
	raw := vs.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(vs); err != nil {
			return
		}
	}
	err := n.send(ctx, message{Op: "voiceUpdate", GuildID: vs.GuildID, SessionID: state.SessionID, Event: raw})
	if err != nil {
		n.logger.Warn("voice update not forwarded", "guild_id", vs.GuildID, "error", err)
	}
}

func (n *Node) send(ctx context.Context, m message) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

// read owns stop; the read context is released when the link ends.
func (n *Node) read(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer stop()
	for {
		var m message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("session node link lost", "error", err)
			}
			n.mu.Lock()
			if n.conn == conn {
				n.conn = nil
				n.cancel = nil
			}
			n.mu.Unlock()
			_ = conn.CloseNow()
			return
		}
		n.handle(m)
	}
}

func (n *Node) handle(m message) {
	switch m.Op {
	case "stats":
		n.mu.Lock()
		n.stats = Stats{Players: m.Players, PlayingPlayers: m.PlayingPlayers, Uptime: m.Uptime}
		n.mu.Unlock()
	case "playerUpdate":
		n.mu.Lock()
		if p, ok := n.players[m.GuildID]; ok {
			p.state = m.State
		}
		n.mu.Unlock()
	case "event":
		n.logger.Info("player event", "guild_id", m.GuildID, "type", m.Type)
	default:
		n.logger.Debug("unhandled node op", "op", m.Op)
	}
}
