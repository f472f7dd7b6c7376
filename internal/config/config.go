// Package config loads the okcvm process configuration from a config file,
// environment variables, and CLI flags, in that order of increasing
// priority, viper-layered.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration snapshot. A *Config is immutable
// once returned by Load/Get; a SIGHUP reload produces a new snapshot and
// swaps the package-level pointer atomically (see Reload).
type Config struct {
	Host string
	Port int
	// Debug enables verbose logging.
	Debug bool

	// DatabaseURL is the sqlite DSN for the conversation store, e.g.
	// "file:/var/lib/okcvm/okcvm.db" or ":memory:" for tests.
	DatabaseURL string

	// WorkspacesRoot is the filesystem directory under which every
	// client's internal workspace root is provisioned.
	WorkspacesRoot string
	// PublicMountPrefix is the virtual mount path prefix handed to the
	// driver/tool layer in place of the real filesystem path, e.g.
	// "/mnt/okcvm".
	PublicMountPrefix string

	// DeploymentsRoot is the filesystem directory that backs the
	// deployment asset resolver (HTTP Surface, component I).
	DeploymentsRoot string

	// ToolManifestPath points at the JSON tool catalogue loaded by the
	// Tool Registry at startup.
	ToolManifestPath string

	// GitTimeout bounds how long the Git Snapshot Engine waits for the
	// startup probe before disabling itself.
	GitTimeout time.Duration
	// ToolTimeout is the default per-tool execution timeout.
	ToolTimeout time.Duration

	// MaxUploadBytes is reported and patched through the config endpoints.
	// The upload handler does not read it; it caps each file at its own
	// fixed 100 MiB.
	MaxUploadBytes int64

	// SessionStoreBackend selects "memory" (default) or "nats".
	SessionStoreBackend string
	NATSUrl             string

	// RejectDefaultClientID is loaded from configuration (false by
	// default), but no request handler reads it: the literal client id
	// "default" is always accepted.
	RejectDefaultClientID bool
}

var (
	mu       sync.RWMutex
	loaded   *Config
	cfgFile  string
	initOnce sync.Once
)

// InitViper wires viper's config-file search path and environment variable
// binding. Must be called once before Load.
func InitViper(configFile string) error {
	cfgFile = configFile

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		cwd, err := os.Getwd()
		if err == nil {
			if _, err := os.Stat(filepath.Join(cwd, "okcvm.yaml")); err == nil {
				viper.AddConfigPath(cwd)
			}
		}
		viper.AddConfigPath(defaultConfigDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("okcvm")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "[config] using config file: %s\n", viper.ConfigFileUsed())
	}

	viper.SetDefault("host", "0.0.0.0")
	viper.SetDefault("port", 8080)
	viper.SetDefault("debug", false)
	viper.SetDefault("database_url", "file:okcvm.db")
	viper.SetDefault("workspaces_root", filepath.Join(defaultConfigDir(), "workspaces"))
	viper.SetDefault("public_mount_prefix", "/mnt/okcvm")
	viper.SetDefault("deployments_root", filepath.Join(defaultConfigDir(), "deployments"))
	viper.SetDefault("tool_manifest_path", filepath.Join(defaultConfigDir(), "tools.json"))
	viper.SetDefault("git_timeout_seconds", 5)
	viper.SetDefault("tool_timeout_seconds", 60)
	viper.SetDefault("max_upload_bytes", int64(25*1024*1024))
	viper.SetDefault("session_store_backend", "memory")
	viper.SetDefault("nats_url", "")
	viper.SetDefault("reject_default_client_id", false)

	viper.AutomaticEnv()
	bindEnvVars()

	return nil
}

func bindEnvVars() {
	viper.BindEnv("host", "OKCVM_HOST")
	viper.BindEnv("port", "OKCVM_PORT")
	viper.BindEnv("debug", "OKCVM_DEBUG")
	viper.BindEnv("database_url", "OKCVM_DATABASE_URL", "DATABASE_URL")
	viper.BindEnv("workspaces_root", "OKCVM_WORKSPACES_ROOT")
	viper.BindEnv("public_mount_prefix", "OKCVM_MOUNT_PREFIX")
	viper.BindEnv("deployments_root", "OKCVM_DEPLOYMENTS_ROOT")
	viper.BindEnv("tool_manifest_path", "OKCVM_TOOL_MANIFEST")
	viper.BindEnv("git_timeout_seconds", "OKCVM_GIT_TIMEOUT_SECONDS")
	viper.BindEnv("tool_timeout_seconds", "OKCVM_TOOL_TIMEOUT_SECONDS")
	viper.BindEnv("max_upload_bytes", "OKCVM_MAX_UPLOAD_BYTES")
	viper.BindEnv("session_store_backend", "OKCVM_SESSION_STORE_BACKEND")
	viper.BindEnv("nats_url", "OKCVM_NATS_URL")
	viper.BindEnv("reject_default_client_id", "OKCVM_REJECT_DEFAULT_CLIENT_ID")
}

// Load reads the current viper state into a fresh, immutable Config and
// stores it as the package-wide "loaded" snapshot.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                  viper.GetString("host"),
		Port:                  viper.GetInt("port"),
		Debug:                 viper.GetBool("debug"),
		DatabaseURL:           viper.GetString("database_url"),
		WorkspacesRoot:        viper.GetString("workspaces_root"),
		PublicMountPrefix:     viper.GetString("public_mount_prefix"),
		DeploymentsRoot:       viper.GetString("deployments_root"),
		ToolManifestPath:      viper.GetString("tool_manifest_path"),
		GitTimeout:            time.Duration(viper.GetInt("git_timeout_seconds")) * time.Second,
		ToolTimeout:           time.Duration(viper.GetInt("tool_timeout_seconds")) * time.Second,
		MaxUploadBytes:        viper.GetInt64("max_upload_bytes"),
		SessionStoreBackend:   viper.GetString("session_store_backend"),
		NATSUrl:               viper.GetString("nats_url"),
		RejectDefaultClientID: viper.GetBool("reject_default_client_id"),
	}

	mu.Lock()
	loaded = cfg
	mu.Unlock()

	return cfg, nil
}

// Reload re-reads the config file and environment, swapping the
// package-wide snapshot. Used by the CLI's SIGHUP handler.
func Reload() (*Config, error) {
	viper.Reset()
	if err := InitViper(cfgFile); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	return Load()
}

// Get returns the most recently loaded snapshot. Panics if Load was never
// called — callers must initialize before use.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if loaded == nil {
		panic("config: Get called before Load")
	}
	return loaded
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "okcvm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".okcvm"
	}
	return filepath.Join(home, ".config", "okcvm")
}
