package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestInvocationID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := InvocationID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewInvocationID()
	ctx = WithInvocationID(ctx, id)
	if got := InvocationID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestPlugin_RoundTrip(t *testing.T) {
	ctx := WithPlugin(context.Background(), "commands/ping.lua")
	if got := Plugin(ctx); got != "commands/ping.lua" {
		t.Fatalf("unexpected plugin %q", got)
	}
}
