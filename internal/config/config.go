package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selectors.
const (
	BackendDiscord  = "discord"
	BackendTelegram = "telegram"
)

// Persistence modes for feature flags.
const (
	PersistenceNone   = "none"
	PersistenceSQLite = "sqlite"
	PersistenceMySQL  = "mysql"
)

// Defaults substituted when optional fields are absent.
const (
	DefaultPrefix          = "!"
	DefaultCommandsDir     = "./commands"
	DefaultEventsDir       = "./events"
	DefaultSQLiteDSN       = "herald.db"
	DefaultCooldownSeconds = 3
	DefaultDebounceMS      = 100
	DefaultNoticeDelay     = 10
	DefaultDashboardAddr   = "127.0.0.1:8090"
	DefaultPresenceRotate  = "@every 10m"
)

var (
	// ErrConfigUnreadable is returned when the config document cannot be read.
	ErrConfigUnreadable = errors.New("config unreadable")
	// ErrConfigInvalid is returned when the document parses but holds an unusable value.
	ErrConfigInvalid = errors.New("config invalid")
)

type DirectoriesConfig struct {
	Commands string `yaml:"commands"`
	Events   string `yaml:"events"`
}

// PlatformConfig is the platform API identity/secret pair.
type PlatformConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SessionConfig holds connection parameters for the external session manager.
type SessionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

// Enabled reports whether enough is configured to reach the session manager.
func (s SessionConfig) Enabled() bool {
	return strings.TrimSpace(s.Host) != "" && s.Port > 0
}

// Features is the static feature-flag set read from the config document.
type Features struct {
	Backend          string   `yaml:"backend"`
	DisabledCommands []string `yaml:"disabled_commands"`
	BetaCommands     []string `yaml:"beta_commands"`
	Persistence      string   `yaml:"persistence"`
	// DSN addresses the persistence backend; ignored when Persistence is none.
	DSN string `yaml:"dsn"`
}

type CooldownConfig struct {
	DefaultSeconds float64 `yaml:"default_seconds"`
}

type PluginsConfig struct {
	// TimeoutSeconds bounds a single execute call. 0 disables the bound.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ReloadConfig struct {
	DebounceMS         int `yaml:"debounce_ms"`
	NoticeDelaySeconds int `yaml:"notice_delay_seconds"`
}

type ActivityConfig struct {
	Name string `yaml:"name"`
	// Type is one of playing, listening, watching, competing.
	Type string `yaml:"type"`
}

type PresenceConfig struct {
	Schedule   string           `yaml:"schedule"`
	Status     string           `yaml:"status"`
	Activities []ActivityConfig `yaml:"activities"`
}

type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	Token    string `yaml:"token"`
	// AllowOrigins lists extra Origin patterns accepted on /ws.
	AllowOrigins      []string `yaml:"allow_origins"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Options is the resolved runtime configuration. It is not mutated after Load.
type Options struct {
	Path string `yaml:"-"`

	Prefix   string `yaml:"prefix"`
	OwnerID  string `yaml:"owner_id"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	// AuditFile receives the JSONL audit trail. Empty disables it.
	AuditFile string `yaml:"audit_file"`

	Directories DirectoriesConfig `yaml:"directories"`
	Platform    PlatformConfig    `yaml:"platform"`
	Session     SessionConfig     `yaml:"session"`
	Features    Features          `yaml:"-"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Reload      ReloadConfig      `yaml:"reload"`
	Presence    PresenceConfig    `yaml:"presence"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	OTel        OTelConfig        `yaml:"otel"`
}

// document mirrors Options with pointers where absence must be told apart
// from an explicit zero value.
type document struct {
	Options  `yaml:",inline"`
	Features *Features `yaml:"features"`
}

// DefaultCooldown returns the cooldown applied to commands without their own.
func (o *Options) DefaultCooldown() time.Duration {
	return time.Duration(o.Cooldown.DefaultSeconds * float64(time.Second))
}

// PluginTimeout returns the execute bound, or 0 when unbounded.
func (o *Options) PluginTimeout() time.Duration {
	return time.Duration(o.Plugins.TimeoutSeconds) * time.Second
}

func (o *Options) ReloadDebounce() time.Duration {
	return time.Duration(o.Reload.DebounceMS) * time.Millisecond
}

func (o *Options) ReloadNoticeDelay() time.Duration {
	return time.Duration(o.Reload.NoticeDelaySeconds) * time.Second
}

// Load reads and resolves the config document at path. Optional fields that
// are absent get a default and a logged warning. An unreadable or
// unparseable document is an error and startup must abort.
func Load(path string, logger *slog.Logger) (*Options, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigUnreadable, path, err)
	}

	var doc document
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigUnreadable, path, err)
		}
	}

	opts := doc.Options
	opts.Path = path
	if doc.Features != nil {
		opts.Features = *doc.Features
	} else {
		logger.Warn("config: features not set, using defaults", "backend", BackendDiscord, "persistence", PersistenceNone)
		opts.Features = Features{}
	}

	applyEnvOverrides(&opts)
	normalize(&opts, logger)
	if err := validate(&opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

func normalize(o *Options, logger *slog.Logger) {
	if strings.TrimSpace(o.Prefix) == "" {
		logger.Warn("config: prefix not set, using default", "default", DefaultPrefix)
		o.Prefix = DefaultPrefix
	}
	if strings.TrimSpace(o.Directories.Commands) == "" {
		logger.Warn("config: directories.commands not set, using default", "default", DefaultCommandsDir)
		o.Directories.Commands = DefaultCommandsDir
	}
	if strings.TrimSpace(o.Directories.Events) == "" {
		logger.Warn("config: directories.events not set, using default", "default", DefaultEventsDir)
		o.Directories.Events = DefaultEventsDir
	}
	if o.Platform.ClientID == "" || o.Platform.ClientSecret == "" {
		logger.Warn("config: platform client_id/client_secret not set")
	}
	if !o.Session.Enabled() {
		logger.Warn("config: session host/port not set, session manager disabled")
	} else if o.Session.Password == "" {
		logger.Warn("config: session password not set")
	}

	o.Features.Backend = strings.ToLower(strings.TrimSpace(o.Features.Backend))
	if o.Features.Backend == "" {
		o.Features.Backend = BackendDiscord
	}
	o.Features.Persistence = strings.ToLower(strings.TrimSpace(o.Features.Persistence))
	if o.Features.Persistence == "" {
		o.Features.Persistence = PersistenceNone
	}
	if o.Features.Persistence == PersistenceSQLite && o.Features.DSN == "" {
		logger.Warn("config: features.dsn not set, using default", "default", DefaultSQLiteDSN)
		o.Features.DSN = DefaultSQLiteDSN
	}
	o.Features.DisabledCommands = normalizeNames(o.Features.DisabledCommands)
	o.Features.BetaCommands = normalizeNames(o.Features.BetaCommands)

	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.Cooldown.DefaultSeconds <= 0 {
		o.Cooldown.DefaultSeconds = DefaultCooldownSeconds
	}
	if o.Plugins.TimeoutSeconds < 0 {
		o.Plugins.TimeoutSeconds = 0
	}
	if o.Reload.DebounceMS <= 0 {
		o.Reload.DebounceMS = DefaultDebounceMS
	}
	if o.Reload.NoticeDelaySeconds <= 0 {
		o.Reload.NoticeDelaySeconds = DefaultNoticeDelay
	}
	if o.Presence.Schedule == "" {
		o.Presence.Schedule = DefaultPresenceRotate
	}
	if o.Presence.Status == "" {
		o.Presence.Status = "online"
	}
	if o.Dashboard.BindAddr == "" {
		o.Dashboard.BindAddr = DefaultDashboardAddr
	}
	if o.OTel.ServiceName == "" {
		o.OTel.ServiceName = "herald"
	}
}

func validate(o *Options) error {
	switch o.Features.Backend {
	case BackendDiscord, BackendTelegram:
	default:
		return fmt.Errorf("%w: unknown features.backend %q (supported: %s, %s)", ErrConfigInvalid, o.Features.Backend, BackendDiscord, BackendTelegram)
	}
	switch o.Features.Persistence {
	case PersistenceNone, PersistenceSQLite:
	case PersistenceMySQL:
		if o.Features.DSN == "" {
			return fmt.Errorf("%w: features.dsn is required for persistence %q", ErrConfigInvalid, PersistenceMySQL)
		}
	default:
		return fmt.Errorf("%w: unknown features.persistence %q", ErrConfigInvalid, o.Features.Persistence)
	}
	return nil
}

// normalizeNames lowercases, trims and de-duplicates command names.
func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func applyEnvOverrides(o *Options) {
	if raw := os.Getenv("HERALD_PREFIX"); raw != "" {
		o.Prefix = raw
	}
	if raw := os.Getenv("HERALD_OWNER_ID"); raw != "" {
		o.OwnerID = raw
	}
	if raw := os.Getenv("HERALD_DEBUG"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			o.Debug = v
		}
	}
	if raw := os.Getenv("HERALD_LOG_LEVEL"); raw != "" {
		o.LogLevel = raw
	}
}
