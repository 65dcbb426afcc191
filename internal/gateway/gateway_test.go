package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/gateway"
	"github.com/basket/herald/internal/plugin"
)

type staticFlags struct{}

func (staticFlags) Backend() string    { return "discord" }
func (staticFlags) Disabled() []string { return []string{"ban"} }
func (staticFlags) Beta() []string     { return nil }

func newTestServer(t *testing.T, cfg gateway.Config) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	connected := true
	ts := newTestServer(t, gateway.Config{
		Status: func() gateway.Status {
			return gateway.Status{Backend: "telegram", Connected: connected, Commands: 4}
		},
	})

	var body map[string]any
	if code := getJSON(t, ts.URL+"/healthz", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["ok"] != true || body["backend"] != "telegram" || body["commands"] != float64(4) {
		t.Fatalf("body = %v", body)
	}

	connected = false
	if code := getJSON(t, ts.URL+"/healthz", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected status = %d", code)
	}
}

func TestCommandsAndFlags(t *testing.T) {
	ts := newTestServer(t, gateway.Config{
		AuthToken: "tok",
		Commands: func() []plugin.Info {
			return []plugin.Info{{Name: "ping", Description: "Replies with pong", Category: "util"}}
		},
		Flags: staticFlags{},
	})

	if code := getJSON(t, ts.URL+"/api/commands", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}

	var cmds struct {
		Commands []plugin.Info `json:"commands"`
		Count    int           `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/commands", "tok", &cmds); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if cmds.Count != 1 || cmds.Commands[0].Name != "ping" {
		t.Fatalf("commands = %+v", cmds)
	}

	var flags struct {
		Backend  string   `json:"backend"`
		Disabled []string `json:"disabled"`
		Beta     []string `json:"beta"`
	}
	if code := getJSON(t, ts.URL+"/api/flags", "tok", &flags); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if flags.Backend != "discord" || len(flags.Disabled) != 1 || flags.Beta == nil {
		t.Fatalf("flags = %+v", flags)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, gateway.Config{})
	resp, err := http.Post(ts.URL+"/api/commands", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWSFeed(t *testing.T) {
	b := bus.New()
	ts := newTestServer(t, gateway.Config{Bus: b, AuthToken: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	if _, resp, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, url+"?token=tok", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(bus.TopicReloadCompleted, bus.ReloadEvent{Trigger: "commands/ping.lua"})

	var msg struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Topic != bus.TopicReloadCompleted || !strings.Contains(string(msg.Payload), "commands/ping.lua") {
		t.Fatalf("msg = %s %s", msg.Topic, msg.Payload)
	}
}

func TestWSFeedWithoutBus(t *testing.T) {
	ts := newTestServer(t, gateway.Config{})
	if code := getJSON(t, ts.URL+"/ws", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", code)
	}
}
