package luaplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/herald/internal/plugin"
)

var (
	// ErrStateClosed is returned when a plugin runs after its VM was released.
	ErrStateClosed = errors.New("lua state closed")
	// ErrNotOwner is raised when a non-owner invocation changes flags.
	ErrNotOwner    = errors.New("owner only")
)

// state owns one Lua VM per plugin file. LState is not goroutine safe, so
// every entry into the VM holds mu; different plugins run concurrently.
// Close never waits on mu: it cancels the running call, which releases the
// VM on its way out.
type state struct {
	mu     sync.Mutex
	L      *lua.LState
	file   string
	logger *slog.Logger

	// ctl guards closed and cancel.
	ctl    sync.Mutex
	closed bool
	cancel context.CancelFunc

	// hostErr is the last error a host function raised during the current
	// call. It becomes the ScriptError cause.
	hostErr error
}

// open runs the file and returns its state and the value the chunk returned.
// Plugins run with the full standard library; this is not a sandbox.
func open(path string, logger *slog.Logger) (*state, lua.LValue, error) {
	L := lua.NewState()
	st := &state{L: L, file: path, logger: logger.With("plugin_file", path)}
	L.SetGlobal("print", L.NewFunction(st.luaPrint))

	fn, err := L.LoadFile(path)
	if err != nil {
		L.Close()
		return nil, nil, st.wrap(err)
	}
	L.Push(fn)
	if err := st.pcall(0, 1); err != nil {
		L.Close()
		return nil, nil, st.wrap(err)
	}
	export := L.Get(-1)
	L.Pop(1)
	return st, export, nil
}

func (s *state) pcall(nargs, nret int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return s.L.PCall(nargs, nret, nil)
}

// call invokes fn with args under the VM lock, bound to ctx so a cancelled
// or expired context stops the script.
func (s *state) call(ctx context.Context, fn *lua.LFunction, nret int, build func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctl.Lock()
	if s.closed {
		s.ctl.Unlock()
		return nil, ErrStateClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ctl.Unlock()
	defer s.finish(cancel)

	s.hostErr = nil
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	s.L.Push(fn)
	args := build(s.L)
	for _, a := range args {
		s.L.Push(a)
	}
	if err := s.pcall(len(args), nret); err != nil {
		s.L.SetTop(top)
		return nil, s.wrap(err)
	}
	n := s.L.GetTop() - top
	out := make([]lua.LValue, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, s.L.Get(top+i))
	}
	s.L.SetTop(top)
	return out, nil
}

// wrap turns a VM error into a ScriptError carrying the traceback and the
// host error that triggered it, if any.
func (s *state) wrap(err error) error {
	se := &plugin.ScriptError{File: s.file, Message: err.Error(), Cause: s.hostErr}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			se.Message = apiErr.Object.String()
		}
		se.Trace = apiErr.StackTrace
		if se.Cause == nil {
			se.Cause = apiErr.Cause
		}
	}
	return se
}

// raise records err as the host cause and raises it inside the VM.
func (s *state) raise(L *lua.LState, op string, err error) int {
	s.hostErr = err
	L.RaiseError("%s: %v", op, err)
	return 0
}

func (s *state) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.logger.Info(strings.Join(parts, "\t"))
	return 0
}

// finish ends a call. If Close ran meanwhile, the VM is released here.
func (s *state) finish(cancel context.CancelFunc) {
	cancel()
	s.ctl.Lock()
	s.cancel = nil
	release := s.closed
	s.ctl.Unlock()
	if release {
		s.L.Close()
	}
}

// Close releases the VM. Later calls fail with ErrStateClosed. A call still
// running is cancelled and Close returns without waiting for it.
func (s *state) Close() error {
	s.ctl.Lock()
	if s.closed {
		s.ctl.Unlock()
		return nil
	}
	s.closed = true
	running := s.cancel
	s.ctl.Unlock()
	if running != nil {
		running()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.L.Close()
	return nil
}
