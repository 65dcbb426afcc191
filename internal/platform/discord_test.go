package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestDisconnectPayload(t *testing.T) {
	tests := []struct {
		requested, redial bool
		want              Disconnected
	}{
		{false, true, Disconnected{Reconnecting: true}},
		{false, false, Disconnected{}},
		{true, false, Disconnected{Requested: true}},
		{true, true, Disconnected{Requested: true}},
	}
	for _, tc := range tests {
		if got := disconnectPayload(tc.requested, tc.redial); got != tc.want {
			t.Fatalf("disconnectPayload(%v, %v) = %+v, want %+v", tc.requested, tc.redial, got, tc.want)
		}
	}
}

func TestDiscord_RedialOnlyUntilRequestedDisconnect(t *testing.T) {
	d, err := NewDiscord("token", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDiscord: %v", err)
	}
	if !d.session.ShouldReconnectOnError {
		t.Fatal("gateway redial disabled before any disconnect")
	}
	_ = d.Disconnect(context.Background())
	if d.session.ShouldReconnectOnError {
		t.Fatal("gateway redial still enabled after requested disconnect")
	}
}
