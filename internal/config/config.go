// Package config loads environment-based configuration and the
// fitness-provider endpoint presets.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for cpapdash.
type Config struct {
	// ListenAddr is the loopback address serving the dashboard API and
	// the OAuth callback.
	ListenAddr string `env:"CPAPDASH_LISTEN_ADDR" envDefault:"127.0.0.1:8675"`

	// StatePath is the bbolt database location. Defaults to
	// ~/.cpapdash/state.db.
	StatePath string `env:"CPAPDASH_STATE_PATH"`

	// ImportDir is watched for therapy-device exports (SD-card dumps).
	// Defaults to ~/.cpapdash/imports.
	ImportDir string `env:"CPAPDASH_IMPORT_DIR"`

	// TrackerClientID is the OAuth client id registered with the
	// fitness-data provider. Required.
	TrackerClientID string `env:"TRACKER_CLIENT_ID"`

	// TrackerProvider names the provider preset to use.
	TrackerProvider string `env:"TRACKER_PROVIDER" envDefault:"fitbit"`

	// TrackerRedirectURL overrides the redirect URI. Defaults to
	// http://<listen_addr>/oauth/callback.
	TrackerRedirectURL string `env:"TRACKER_REDIRECT_URL"`

	// TrackerScopes is the space-separated default scope set requested
	// during authorization.
	TrackerScopes string `env:"TRACKER_SCOPES" envDefault:"heartrate sleep oxygen_saturation profile"`

	// ProvidersFile optionally points to a YAML file of provider
	// presets overlaying the built-in ones.
	ProvidersFile string `env:"CPAPDASH_PROVIDERS_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Provider holds the endpoint set for one fitness-data provider.
type Provider struct {
	AuthURL    string `yaml:"auth_url"`
	TokenURL   string `yaml:"token_url"`
	ProfileURL string `yaml:"profile_url"`
	RevokeURL  string `yaml:"revoke_url"`
}

// builtinProviders are the presets shipped with the binary.
var builtinProviders = map[string]Provider{
	"fitbit": {
		AuthURL:    "https://www.fitbit.com/oauth2/authorize",
		TokenURL:   "https://api.fitbit.com/oauth2/token",
		ProfileURL: "https://api.fitbit.com/1/user/-/profile.json",
		RevokeURL:  "https://api.fitbit.com/oauth2/revoke",
	},
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := defaultHomePath("state.db")
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if cfg.ImportDir == "" {
		dir, err := defaultHomePath("imports")
		if err != nil {
			return nil, err
		}

		cfg.ImportDir = dir
	}

	if cfg.TrackerRedirectURL == "" {
		cfg.TrackerRedirectURL = "http://" + cfg.ListenAddr + "/oauth/callback"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TrackerClientID == "" {
		return fmt.Errorf("TRACKER_CLIENT_ID is required")
	}

	if c.TrackerProvider == "" {
		return fmt.Errorf("TRACKER_PROVIDER must not be empty")
	}

	return nil
}

// Scopes returns the configured default scope list.
func (c *Config) Scopes() []string {
	return strings.Fields(c.TrackerScopes)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ResolveProvider returns the endpoint set for the configured
// provider: the built-in preset, overlaid by the providers file when
// one is configured.
func (c *Config) ResolveProvider() (Provider, error) {
	presets := make(map[string]Provider, len(builtinProviders))
	for name, p := range builtinProviders {
		presets[name] = p
	}

	if c.ProvidersFile != "" {
		data, err := os.ReadFile(c.ProvidersFile)
		if err != nil {
			return Provider{}, fmt.Errorf("reading providers file: %w", err)
		}

		var fromFile map[string]Provider
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return Provider{}, fmt.Errorf("parsing providers file: %w", err)
		}

		for name, p := range fromFile {
			presets[name] = p
		}
	}

	p, ok := presets[c.TrackerProvider]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider %q", c.TrackerProvider)
	}

	if p.AuthURL == "" || p.TokenURL == "" {
		return Provider{}, fmt.Errorf("provider %q is missing auth_url or token_url", c.TrackerProvider)
	}

	return p, nil
}

func defaultHomePath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".cpapdash", name), nil
}
