// Package config loads the orchestrator's configuration via viper: a
// config file (any format viper supports — YAML is what ops actually
// hands us), overridden by environment variables, with defaults for
// every field so a bare `go run .` still starts something useful
// locally. A file watch (fsnotify, wired in by viper.WatchConfig)
// reloads config on edit; only registry auth actually observes a live
// change — everything else, back-up policy included, is read once at
// startup, and the values baked into a back-end client (Docker
// network, kube context) need a restart, the same limitation the
// teacher's flat env-var config had.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/prevant/orchestrator/registry"
)

// AppPolicyConfig is one operator-configured retention rule from the
// config file's `backup.apps` list (§4.8).
type AppPolicyConfig struct {
	AppName       string
	RouterPattern string
	TimeToUse     time.Duration
	TimeToRestore time.Duration
}

// AppConfig holds every configuration value the orchestrator's
// components need. Read once at startup (plus live re-reads of the
// viper-backed fields noted above); never a package-level global —
// callers receive it explicitly via dependency injection.
type AppConfig struct {
	Port      string
	DBPath    string
	LogFormat string // "text" | "json"

	// Backend selects which infra.Infrastructure implementation main.go
	// constructs: "docker" or "kubernetes".
	Backend            string
	DockerNetwork      string
	KubeconfigPath     string
	KubeNamespacePrefix string

	TraefikBaseRule        string
	TraefikEntryPoints     []string
	TraefikTLSCertResolver string

	DeploymentHookPath string
	IDTokenHookPath    string
	HookTimeout        time.Duration

	ParamSchemaPath string

	AppLimit int
	SyncWait time.Duration

	Development         bool
	StaleAppInterval    time.Duration
	StaleBackupInterval time.Duration
	PermanentApps       []string
	BusyHoursCron       string
	PrometheusAddress   string
	BackupPolicies      []AppPolicyConfig

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("db_path", "./prevant.db")
	v.SetDefault("log_format", "text")

	v.SetDefault("backend", "docker")
	v.SetDefault("docker.network", "prevant")
	v.SetDefault("kubernetes.kubeconfig_path", "")
	v.SetDefault("kubernetes.namespace_prefix", "prevant")

	v.SetDefault("traefik.base_rule", "")
	v.SetDefault("traefik.entry_points", []string{"web"})
	v.SetDefault("traefik.tls_cert_resolver", "")

	v.SetDefault("hooks.deployment_path", "")
	v.SetDefault("hooks.id_token_path", "")
	v.SetDefault("hooks.timeout", "5s")

	v.SetDefault("templating.param_schema_path", "")

	v.SetDefault("app_limit", 0)
	v.SetDefault("sync_wait", "5h")

	v.SetDefault("development", false)
	v.SetDefault("backup.stale_app_interval", "10m")
	v.SetDefault("backup.stale_backup_interval", "10m")
	v.SetDefault("backup.permanent_apps", []string{"^master$"})
	v.SetDefault("backup.busy_hours_cron", "")
	v.SetDefault("backup.prometheus_address", "")
}

// Load reads configPath (if non-empty) plus environment variables
// (each dotted key upper-cased with `.` -> `_`, e.g. `PREVANT_DOCKER_NETWORK`)
// into an AppConfig. Missing values fall back to the defaults above.
func Load(configPath string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("prevant")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

func fromViper(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		Port:      v.GetString("port"),
		DBPath:    v.GetString("db_path"),
		LogFormat: v.GetString("log_format"),

		Backend:             v.GetString("backend"),
		DockerNetwork:       v.GetString("docker.network"),
		KubeconfigPath:      v.GetString("kubernetes.kubeconfig_path"),
		KubeNamespacePrefix: v.GetString("kubernetes.namespace_prefix"),

		TraefikBaseRule:        v.GetString("traefik.base_rule"),
		TraefikEntryPoints:     v.GetStringSlice("traefik.entry_points"),
		TraefikTLSCertResolver: v.GetString("traefik.tls_cert_resolver"),

		DeploymentHookPath: v.GetString("hooks.deployment_path"),
		IDTokenHookPath:    v.GetString("hooks.id_token_path"),
		HookTimeout:        v.GetDuration("hooks.timeout"),

		ParamSchemaPath: v.GetString("templating.param_schema_path"),

		AppLimit: v.GetInt("app_limit"),
		SyncWait: v.GetDuration("sync_wait"),

		Development:         v.GetBool("development"),
		StaleAppInterval:    v.GetDuration("backup.stale_app_interval"),
		StaleBackupInterval: v.GetDuration("backup.stale_backup_interval"),
		PermanentApps:       v.GetStringSlice("backup.permanent_apps"),
		BusyHoursCron:       v.GetString("backup.busy_hours_cron"),
		PrometheusAddress:   v.GetString("backup.prometheus_address"),
	}

	if cfg.Development && !v.IsSet("backup.stale_app_interval") {
		cfg.StaleAppInterval = time.Minute
	}

	var policies []AppPolicyConfig
	if err := v.UnmarshalKey("backup.apps", &policies); err != nil {
		return nil, fmt.Errorf("failed to parse backup.apps: %w", err)
	}
	cfg.BackupPolicies = policies

	return cfg, nil
}

// WatchAndReload installs a viper file-watch that invokes onChange
// whenever the config file is edited on disk, for the live-reloadable
// fields (registry auth, back-up policy) noted at the package level.
func (c *AppConfig) WatchAndReload(logger *slog.Logger, onChange func(*AppConfig)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := fromViper(c.v)
		if err != nil {
			logger.Error("config reload failed, keeping previous values", "error", err)
			return
		}
		updated.v = c.v
		logger.Info("configuration reloaded", "file", e.String())
		onChange(updated)
	})
	c.v.WatchConfig()
}

// PermanentAppPatterns compiles PermanentApps into matchable regexps.
func (c *AppConfig) PermanentAppPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(c.PermanentApps))
	for _, raw := range c.PermanentApps {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid permanent_apps pattern %q: %w", raw, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// BusyHoursSchedule parses BusyHoursCron, if configured, into a
// cron.Schedule; nil (no error) when unset disables the pause.
func (c *AppConfig) BusyHoursSchedule() (cron.Schedule, error) {
	if c.BusyHoursCron == "" {
		return nil, nil
	}
	schedule, err := cron.ParseStandard(c.BusyHoursCron)
	if err != nil {
		return nil, fmt.Errorf("invalid busy_hours_cron %q: %w", c.BusyHoursCron, err)
	}
	return schedule, nil
}

// RegistryAuth reads per-registry credentials from the config file's
// `registry.auth` map (host -> {username, password}), for
// registry.NewClient.
func (c *AppConfig) RegistryAuth() map[string]registry.Credential {
	raw := c.v.GetStringMap("registry.auth")
	auth := make(map[string]registry.Credential, len(raw))
	for host := range raw {
		auth[host] = registry.Credential{
			Username: c.v.GetString("registry.auth." + host + ".username"),
			Password: c.v.GetString("registry.auth." + host + ".password"),
		}
	}
	return auth
}

// NewLogger builds a slog.Logger whose handler (text for local
// development, JSON for production log shipping) is keyed on
// LogFormat, trimming the source path down to its base name so log
// lines stay readable.
func (c *AppConfig) NewLogger() *slog.Logger {
	options := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, options)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, options)
	}
	return slog.New(handler)
}

// ReadFile is a small helper main.go uses for the hook/schema file
// paths above, which are optional: an empty path means "not
// configured", not an error.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(content), nil
}
