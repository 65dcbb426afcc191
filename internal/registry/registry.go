// Package registry discovers plugin files and holds the command, structured
// command and event maps the dispatcher reads on every invocation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/platform"
	"github.com/basket/herald/internal/plugin"
	"github.com/basket/herald/internal/shared"
)

// causeLines bounds the cause chain logged for a failed plugin file.
const causeLines = 3

// Loader turns a plugin file into a validated descriptor.
type Loader interface {
	Match(path string) bool
	LoadCommand(path string) (*plugin.Command, error)
	LoadEvent(path string) (*plugin.Event, error)
}

// FlagView is the feature-flag lookup used to gate commands.
type FlagView interface {
	IsDisabled(name string) bool
	IsBeta(name string) bool
}

// Binder subscribes an event descriptor to the active adapter.
type Binder func(ev *plugin.Event)

type Dirs struct {
	Commands string
	Events   string
}

// Summary reports one discovery pass.
type Summary struct {
	Commands   int
	Structured int
	Events     int
	Skipped    int
	Failed     int
}

type tables struct {
	commands   map[string]*plugin.Command
	aliases    map[string]string
	structured map[string]*plugin.Command
	events     map[string][]*plugin.Event
	eventOrder []*plugin.Event
}

func newTables() *tables {
	return &tables{
		commands:   make(map[string]*plugin.Command),
		aliases:    make(map[string]string),
		structured: make(map[string]*plugin.Command),
		events:     make(map[string][]*plugin.Event),
	}
}

// Registry is safe for concurrent readers. Discover builds complete tables
// off to the side and swaps them in at the end, so readers never observe a
// partially populated registry.
type Registry struct {
	loader Loader
	flags  FlagView
	logger *slog.Logger
	bus    *bus.Bus

	mu sync.RWMutex
	t  *tables
}

func New(loader Loader, flags FlagView, logger *slog.Logger, b *bus.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader: loader,
		flags:  flags,
		logger: logger.With("component", "registry"),
		bus:    b,
		t:      newTables(),
	}
}

// Discover scans both roots recursively and replaces the registry contents
// with what loaded. Files are processed one at a time in lexical order. A
// failing file is logged and skipped. After the swap, bind is called for
// every event descriptor in load order. Descriptors displaced by the swap
// are released.
func (r *Registry) Discover(ctx context.Context, dirs Dirs, bind Binder) (Summary, error) {
	next := newTables()
	var sum Summary

	cmdFiles, err := r.scan(dirs.Commands)
	if err != nil {
		return sum, err
	}
	for _, path := range cmdFiles {
		if err := ctx.Err(); err != nil {
			next.closeAll()
			return sum, err
		}
		r.loadCommand(next, path, &sum)
	}

	evFiles, err := r.scan(dirs.Events)
	if err != nil {
		next.closeAll()
		return sum, err
	}
	for _, path := range evFiles {
		if err := ctx.Err(); err != nil {
			next.closeAll()
			return sum, err
		}
		r.loadEvent(next, path, &sum)
	}

	sum.Commands = len(next.commands)
	sum.Structured = len(next.structured)
	sum.Events = len(next.eventOrder)

	r.mu.Lock()
	prev := r.t
	r.t = next
	r.mu.Unlock()
	prev.closeAll()

	if bind != nil {
		for _, ev := range next.eventOrder {
			bind(ev)
		}
	}

	r.logger.Info("plugins discovered",
		"commands", sum.Commands,
		"structured_commands", sum.Structured,
		"events", sum.Events,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	r.bus.Publish(bus.TopicRegistryDiscovered, bus.DiscoveredEvent{
		Commands: sum.Commands + sum.Structured,
		Events:   sum.Events,
		Failed:   sum.Failed,
	})
	return sum, nil
}

// scan lists plugin candidates under root in lexical order. A missing root
// yields no files.
func (r *Registry) scan(root string) ([]string, error) {
	if strings.TrimSpace(root) == "" {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				r.logger.Warn("plugin directory missing", "dir", root)
				return filepath.SkipDir
			}
			r.logger.Warn("plugin directory unreadable", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if r.loader.Match(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}

func (r *Registry) loadFailed(kind, path string, err error, sum *Summary) {
	sum.Failed++
	msg, trace := shared.CauseChain(err, causeLines)
	r.logger.Error("plugin load failed", "kind", kind, "file", path, "error", msg, "trace", trace)
}

func (r *Registry) loadCommand(t *tables, path string, sum *Summary) {
	cmd, err := r.loader.LoadCommand(path)
	if err != nil {
		r.loadFailed("command", path, err, sum)
		return
	}
	if r.flags != nil && r.flags.IsDisabled(cmd.Name) {
		r.logger.Debug("command skipped: disabled", "command", cmd.Name, "file", path)
		sum.Skipped++
		_ = cmd.Close()
		return
	}
	if r.flags != nil && r.flags.IsBeta(cmd.Name) && !cmd.Beta {
		r.logger.Debug("command skipped: beta without opt-in", "command", cmd.Name, "file", path)
		sum.Skipped++
		_ = cmd.Close()
		return
	}

	if old := t.removeCommand(cmd.Name); old != nil {
		r.logger.Warn("duplicate command name, last loaded wins", "command", cmd.Name, "previous_file", old.File, "file", path)
		_ = old.Close()
	}
	if cmd.Structured {
		t.structured[cmd.Name] = cmd
	} else {
		t.commands[cmd.Name] = cmd
		for _, a := range cmd.Aliases {
			if a == "" || a == cmd.Name {
				continue
			}
			if prev, ok := t.aliases[a]; ok && prev != cmd.Name {
				r.logger.Warn("duplicate alias, last loaded wins", "alias", a, "previous_command", prev, "command", cmd.Name)
			}
			t.aliases[a] = cmd.Name
		}
	}
	r.logger.Debug("command loaded", "command", cmd.Name, "structured", cmd.Structured, "file", path)
}

func (r *Registry) loadEvent(t *tables, path string, sum *Summary) {
	ev, err := r.loader.LoadEvent(path)
	if err != nil {
		r.loadFailed("event", path, err, sum)
		return
	}
	t.events[ev.Name] = append(t.events[ev.Name], ev)
	t.eventOrder = append(t.eventOrder, ev)
	r.logger.Debug("event loaded", "event", ev.Name, "once", ev.Once, "file", path)
}

// removeCommand drops name from both command maps and its aliases and
// returns the displaced descriptor.
func (t *tables) removeCommand(name string) *plugin.Command {
	old, ok := t.commands[name]
	if !ok {
		old, ok = t.structured[name]
	}
	if !ok {
		return nil
	}
	delete(t.commands, name)
	delete(t.structured, name)
	for a, target := range t.aliases {
		if target == name {
			delete(t.aliases, a)
		}
	}
	return old
}

func (t *tables) closeAll() {
	for _, c := range t.commands {
		_ = c.Close()
	}
	for _, c := range t.structured {
		_ = c.Close()
	}
	for _, ev := range t.eventOrder {
		_ = ev.Close()
	}
}

// Clear empties all three maps and releases every descriptor.
func (r *Registry) Clear() {
	r.mu.Lock()
	prev := r.t
	r.t = newTables()
	r.mu.Unlock()
	prev.closeAll()
}

// Command resolves a conversational command by name or alias.
func (r *Registry) Command(name string) (*plugin.Command, bool) {
	name = strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.t.commands[name]; ok {
		return c, true
	}
	if target, ok := r.t.aliases[name]; ok {
		c, ok := r.t.commands[target]
		return c, ok
	}
	return nil, false
}

// Structured resolves a structured command by its published name.
func (r *Registry) Structured(name string) (*plugin.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.t.structured[strings.ToLower(name)]
	return c, ok
}

// Events returns the descriptors registered for a platform event name.
func (r *Registry) Events(name string) []*plugin.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*plugin.Event(nil), r.t.events[name]...)
}

// Counts returns conversational, structured and event descriptor counts.
func (r *Registry) Counts() (commands, structured, events int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.t.commands), len(r.t.structured), len(r.t.eventOrder)
}

// CommandNames returns every registered command name, sorted.
func (r *Registry) CommandNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.t.commands)+len(r.t.structured))
	for n := range r.t.commands {
		out = append(out, n)
	}
	for n := range r.t.structured {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StructuredSpecs returns the definitions to publish at ready time.
func (r *Registry) StructuredSpecs() []platform.CommandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]platform.CommandSpec, 0, len(r.t.structured))
	for _, c := range r.t.structured {
		out = append(out, c.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot summarizes every command for read-only consumers.
func (r *Registry) Snapshot() []plugin.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Info, 0, len(r.t.commands)+len(r.t.structured))
	for _, c := range r.t.commands {
		out = append(out, c.Info())
	}
	for _, c := range r.t.structured {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
