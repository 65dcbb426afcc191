package reload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports plugin source changes under a set of roots, including
// directories created after Start. Bursts are coalesced by a Debouncer.
type Watcher struct {
	roots  []string
	match  func(path string) bool
	delay  time.Duration
	logger *slog.Logger
	events chan string
}

// NewWatcher watches roots recursively. match selects the files whose changes
// count; directory creation and removal always count.
func NewWatcher(roots []string, match func(string) bool, delay time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]string, 0, len(roots))
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		cp = append(cp, r)
	}
	return &Watcher{
		roots:  cp,
		match:  match,
		delay:  delay,
		logger: logger.With("component", "watcher"),
		events: make(chan string, 1),
	}
}

// Events yields the path of the last change in each debounced burst. The
// channel is closed when the watcher stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	for _, root := range w.roots {
		w.addTree(fsw, root)
	}

	deb := NewDebouncer(w.delay, func(path string) {
		select {
		case w.events <- path:
		default:
		}
	})

	go func() {
		defer func() {
			deb.Stop()
			_ = fsw.Close()
			close(w.events)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if w.relevant(fsw, ev) {
					w.logger.Debug("plugin source changed", "path", ev.Name, "op", ev.Op.String())
					deb.Trigger(ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) relevant(fsw *fsnotify.Watcher, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addTree(fsw, ev.Name)
			return true
		}
	}
	if w.match == nil || w.match(ev.Name) {
		return true
	}
	// A removed or renamed directory takes its plugins with it.
	return (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && filepath.Ext(ev.Name) == ""
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		w.logger.Warn("watcher: abs failed", "dir", root, "error", err)
		return
	}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != abs && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("watcher: add failed", "dir", path, "error", err)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("watcher: walk failed", "dir", abs, "error", err)
	}
}
