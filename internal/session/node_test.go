package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/platform"
)

type fakeManager struct {
	headers  chan http.Header
	received chan message
	push     chan message
}

func newFakeManager(t *testing.T) (*fakeManager, *httptest.Server) {
	t.Helper()
	m := &fakeManager{
		headers:  make(chan http.Header, 1),
		received: make(chan message, 8),
		push:     make(chan message, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "youshallnotpass" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		m.headers <- r.Header.Clone()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		ctx := r.Context()
		go func() {
			for msg := range m.push {
				_ = wsjson.Write(ctx, conn, msg)
			}
		}()
		for {
			var msg message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			m.received <- msg
		}
	}))
	t.Cleanup(func() {
		close(m.push)
		srv.Close()
	})
	return m, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewNode_URL(t *testing.T) {
	n := NewNode(config.SessionConfig{Host: "lava.local", Port: 2333, Secure: true}, quiet())
	if n.url != "wss://lava.local:2333" {
		t.Fatalf("url = %q", n.url)
	}
}

func TestNode_ConnectSendsIdentity(t *testing.T) {
	m, srv := newFakeManager(t)
	n := NewNodeURL(wsURL(srv), "youshallnotpass", quiet())
	if err := n.Connect(context.Background(), "bot-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close()

	h := <-m.headers
	if h.Get("User-Id") != "bot-1" || h.Get("Client-Name") != ClientName {
		t.Fatalf("headers = %v", h)
	}
	if !n.Connected() {
		t.Fatal("expected connected")
	}
}

func TestNode_ConnectRejectedPassword(t *testing.T) {
	_, srv := newFakeManager(t)
	n := NewNodeURL(wsURL(srv), "wrong", quiet())
	if err := n.Connect(context.Background(), "bot-1"); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestNode_CreateRequiresConnection(t *testing.T) {
	n := NewNodeURL("ws://127.0.0.1:1", "", quiet())
	if _, err := n.Create(context.Background(), "g1", "v1", "t1"); !errors.Is(err, ErrNodeUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestNode_ForwardsVoicePayloads(t *testing.T) {
	m, srv := newFakeManager(t)
	n := NewNodeURL(wsURL(srv), "youshallnotpass", quiet())
	ctx := context.Background()
	if err := n.Connect(ctx, "bot-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close()

	p, err := n.Create(ctx, "g1", "v1", "t1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, _ := n.Create(ctx, "g1", "v2", "t1")
	if again != p || again.VoiceChannelID != "v2" {
		t.Fatal("Create should rebind the existing player")
	}

	// Another member's voice state is not ours.
	n.HandleVoiceState(ctx, platform.VoiceState{GuildID: "g1", ChannelID: "v2", UserID: "someone", SessionID: "nope"})
	n.HandleVoiceState(ctx, platform.VoiceState{GuildID: "g1", ChannelID: "v2", UserID: "bot-1", SessionID: "sess-9"})
	raw := json.RawMessage(`{"guild_id":"g1","token":"tok","endpoint":"voice.example:443"}`)
	n.HandleVoiceServer(ctx, platform.VoiceServer{GuildID: "g1", Token: "tok", Endpoint: "voice.example:443", Raw: raw})

	select {
	case msg := <-m.received:
		if msg.Op != "voiceUpdate" || msg.GuildID != "g1" || msg.SessionID != "sess-9" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if !strings.Contains(string(msg.Event), `"token":"tok"`) {
			t.Fatalf("raw event not forwarded: %s", msg.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("voiceUpdate not received")
	}
}

func TestNode_DestroyAndStats(t *testing.T) {
	m, srv := newFakeManager(t)
	n := NewNodeURL(wsURL(srv), "youshallnotpass", quiet())
	ctx := context.Background()
	if err := n.Connect(ctx, "bot-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close()

	m.push <- message{Op: "stats", Players: 3, PlayingPlayers: 1, Uptime: 1000}
	deadline := time.Now().Add(2 * time.Second)
	for n.Stats().Players != 3 {
		if time.Now().After(deadline) {
			t.Fatal("stats not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := n.Destroy(ctx, "missing"); !errors.Is(err, ErrNoPlayer) {
		t.Fatalf("Destroy missing = %v", err)
	}
	p, _ := n.Create(ctx, "g1", "v1", "")
	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	select {
	case msg := <-m.received:
		if msg.Op != "destroy" || msg.GuildID != "g1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("destroy not received")
	}
	if _, ok := n.Player("g1"); ok {
		t.Fatal("player still registered")
	}
}

func TestNode_LinkLossReleasesAndRedials(t *testing.T) {
	accepted := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- struct{}{}
		_ = conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer srv.Close()

	n := NewNodeURL(wsURL(srv), "", quiet())
	if err := n.Connect(context.Background(), "bot-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-accepted
	deadline := time.Now().Add(2 * time.Second)
	for n.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("link loss not noticed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	n.mu.Lock()
	done, cancel := n.done, n.cancel
	n.mu.Unlock()
	if cancel != nil {
		t.Fatal("read cancel kept after link loss")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader still running after link loss")
	}

	if err := n.Connect(context.Background(), "bot-1"); err != nil {
		t.Fatalf("redial: %v", err)
	}
	<-accepted
	_ = n.Close()
}
