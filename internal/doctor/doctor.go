// Package doctor runs offline diagnostics over a resolved configuration.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/flags"
	"github.com/basket/herald/internal/plugin/luaplug"
	"github.com/basket/herald/internal/registry"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes all diagnostic checks. cfg may be nil when loading failed;
// loadErr then explains why.
func Run(ctx context.Context, cfg *config.Options, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Options) CheckResult{
		checkCredential,
		checkPlugins,
		checkPersistence,
		checkSession,
		checkDashboard,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Options, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.Path),
		Detail:  fmt.Sprintf("backend=%s prefix=%q debug=%t", cfg.Features.Backend, cfg.Prefix, cfg.Debug),
	}
}

func checkCredential(_ context.Context, cfg *config.Options) CheckResult {
	if _, err := config.LoadCredential(); err != nil {
		return CheckResult{Name: "Credential", Status: StatusFail, Message: err.Error(), Detail: "Set BOT_TOKEN in the environment or .env"}
	}
	if cfg != nil && cfg.OwnerID == "" {
		return CheckResult{Name: "Credential", Status: StatusWarn, Message: "BOT_TOKEN is set, owner_id is not", Detail: "Reload notices and owner-only commands need owner_id"}
	}
	return CheckResult{Name: "Credential", Status: StatusPass, Message: "BOT_TOKEN is set"}
}

// checkPlugins runs a discovery pass against a throwaway registry so every
// plugin file is loaded and validated exactly as at startup.
func checkPlugins(ctx context.Context, cfg *config.Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Plugins", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.Directories.Commands, cfg.Directories.Events} {
		if _, err := os.Stat(dir); err != nil {
			return CheckResult{Name: "Plugins", Status: StatusWarn, Message: fmt.Sprintf("Directory %s not readable: %v", dir, err)}
		}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(luaplug.NewLoader(quiet), flags.New(cfg.Features), quiet, nil)
	defer reg.Clear()
	sum, err := reg.Discover(ctx, registry.Dirs{Commands: cfg.Directories.Commands, Events: cfg.Directories.Events}, nil)
	if err != nil {
		return CheckResult{Name: "Plugins", Status: StatusFail, Message: fmt.Sprintf("Discovery failed: %v", err)}
	}

	detail := fmt.Sprintf("commands=%d structured=%d events=%d skipped=%d", sum.Commands, sum.Structured, sum.Events, sum.Skipped)
	if sum.Failed > 0 {
		return CheckResult{Name: "Plugins", Status: StatusWarn, Message: fmt.Sprintf("%d plugin file(s) failed to load", sum.Failed), Detail: detail}
	}
	return CheckResult{Name: "Plugins", Status: StatusPass, Message: "All plugin files loaded", Detail: detail}
}

func checkPersistence(ctx context.Context, cfg *config.Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Persistence", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Features.Persistence == config.PersistenceNone {
		return CheckResult{Name: "Persistence", Status: StatusSkip, Message: "Feature flags are memory-only"}
	}
	set, closer, err := flags.Open(ctx, cfg.Features)
	if err != nil {
		return CheckResult{Name: "Persistence", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer closer.Close()
	return CheckResult{
		Name:    "Persistence",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s flag store reachable", cfg.Features.Persistence),
		Detail:  fmt.Sprintf("disabled=%d beta=%d", len(set.Disabled()), len(set.Beta())),
	}
}

func checkSession(ctx context.Context, cfg *config.Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Session", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Session.Enabled() {
		return CheckResult{Name: "Session", Status: StatusSkip, Message: "Session manager not configured"}
	}
	addr := net.JoinHostPort(cfg.Session.Host, strconv.Itoa(cfg.Session.Port))

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Session",
			Status:  StatusFail,
			Message: fmt.Sprintf("Dial %s failed: %v", addr, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Session",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reached %s (%dms)", addr, latency.Milliseconds()),
	}
}

func checkDashboard(_ context.Context, cfg *config.Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dashboard", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Dashboard.Enabled {
		return CheckResult{Name: "Dashboard", Status: StatusSkip, Message: "Dashboard disabled"}
	}
	host, _, err := net.SplitHostPort(cfg.Dashboard.BindAddr)
	if err != nil {
		return CheckResult{Name: "Dashboard", Status: StatusFail, Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.Dashboard.BindAddr, err)}
	}
	if cfg.Dashboard.Token == "" {
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return CheckResult{Name: "Dashboard", Status: StatusWarn, Message: fmt.Sprintf("Listening on %s without a token", cfg.Dashboard.BindAddr)}
		}
	}
	return CheckResult{Name: "Dashboard", Status: StatusPass, Message: fmt.Sprintf("Will listen on %s", cfg.Dashboard.BindAddr)}
}
