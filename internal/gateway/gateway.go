// Package gateway serves the read-only operator dashboard: health, the
// command catalog, feature flags and a websocket feed of lifecycle events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/bus"
	hotel "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/plugin"
)

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Status is the runtime summary reported by /healthz.
type Status struct {
	Backend    string `json:"backend"`
	Connected  bool   `json:"connected"`
	Uptime     string `json:"uptime"`
	Commands   int    `json:"commands"`
	Structured int    `json:"structured"`
	Events     int    `json:"events"`
	Reloading  bool   `json:"reloading"`
	Denied     int64  `json:"denied"`
}

// FlagView is the read side of the feature-flag set.
type FlagView interface {
	Backend() string
	Disabled() []string
	Beta() []string
}

type Config struct {
	Status   func() Status
	Commands func() []plugin.Info
	Flags    FlagView
	Bus      *bus.Bus

	AuthToken string
	// AllowOrigins are extra Origin patterns accepted on /ws. Same-origin
	// requests are always accepted.
	AllowOrigins      []string
	RequestsPerMinute int
	Burst             int

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *TokenAuth
	limit  *RateLimiter
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(hotel.TracerName)
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "dashboard"),
		auth:   NewTokenAuth(cfg.AuthToken),
		limit:  NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
	}
	s.limit.setLogger(s.logger)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/commands", s.handleCommands)
	mux.HandleFunc("GET /api/flags", s.handleFlags)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.trace(s.limit.Wrap(s.auth.Wrap(mux)))
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	if s.limit != nil {
		s.limit.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", addr, "auth", s.auth.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := hotel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := Status{}
	if s.cfg.Status != nil {
		st = s.cfg.Status()
	}
	code := http.StatusOK
	if !st.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		OK bool `json:"ok"`
		Status
	}{OK: st.Connected, Status: st})
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	cmds := []plugin.Info{}
	if s.cfg.Commands != nil {
		if got := s.cfg.Commands(); got != nil {
			cmds = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

func (s *Server) handleFlags(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Flags == nil {
		writeJSON(w, http.StatusOK, map[string]any{"disabled": []string{}, "beta": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":  s.cfg.Flags.Backend(),
		"disabled": nonNil(s.cfg.Flags.Disabled()),
		"beta":     nonNil(s.cfg.Flags.Beta()),
	})
}

type feedMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	At      string `json:"at"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sub := s.cfg.Bus.Subscribe()
	s.logger.Info("dashboard feed client connected", "remote", r.RemoteAddr)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("dashboard feed client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, feedMessage{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      ev.At.Format(time.RFC3339Nano),
			})
			cancel()
			if err != nil {
				s.logger.Debug("dashboard feed write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
