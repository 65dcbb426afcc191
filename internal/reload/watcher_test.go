package reload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isLua(path string) bool { return strings.HasSuffix(path, ".lua") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(ch <-chan string, window time.Duration) []string {
	var out []string
	deadline := time.After(window)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-deadline:
			return out
		}
	}
}

func TestWatcher_NestedWriteBurstCoalesces(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "fun", "games")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := filepath.Join(nested, "dice.lua")

	w := NewWatcher([]string{root}, isLua, 100*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(file, []byte("return {}"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := collect(w.Events(), 600*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("events = %v, want exactly one", got)
	}
	if filepath.Base(got[0]) != "dice.lua" {
		t.Fatalf("trigger = %q", got[0])
	}
}

func TestWatcher_IgnoresNonPluginFiles(t *testing.T) {
	root := t.TempDir()
	w := NewWatcher([]string{root}, isLua, 50*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".ping.lua.swp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := collect(w.Events(), 300*time.Millisecond); len(got) != 0 {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	w := NewWatcher([]string{root}, isLua, 50*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := filepath.Join(root, "admin")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Drain the directory-creation event before writing inside it.
	collect(w.Events(), 300*time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "ban.lua"), []byte("return {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := collect(w.Events(), 500*time.Millisecond)
	if len(got) == 0 {
		t.Fatal("change in a directory created after Start was missed")
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := NewWatcher([]string{t.TempDir()}, isLua, 50*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_CancelDuringFlush(t *testing.T) {
	for i := 0; i < 20; i++ {
		root := t.TempDir()
		w := NewWatcher([]string{root}, isLua, time.Millisecond, quietLogger())
		ctx, cancel := context.WithCancel(context.Background())
		if err := w.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, "ping.lua"), []byte("return {}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		cancel()
		for range collect(w.Events(), time.Second) {
		}
	}
}
