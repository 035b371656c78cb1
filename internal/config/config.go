// Package config loads apphostd's runtime configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds every tunable apphostd reads at startup.
type Config struct {
	// DataDir is the root directory for all persisted state.
	DataDir string

	// AppsDir holds one subdirectory per app (DataDir/apps).
	AppsDir string

	// TmpDir holds upload staging directories (DataDir/tmp).
	TmpDir string

	// PortMin, PortMax bound the range the port allocator scans.
	PortMin int
	PortMax int

	// Bind is the host apphostd and every app it spawns listens on.
	Bind string

	// APIPort is the listener for the REST + proxy surface.
	APIPort int

	// PublicBase is the externally visible base URL, used to compute
	// access_url in API responses. Empty means omit access_url.
	PublicBase string
}

// Default returns the configuration that results from an empty environment.
func Default() *Config {
	cfg := &Config{
		DataDir:    "./data",
		PortMin:    8501,
		PortMax:    8999,
		Bind:       "0.0.0.0",
		APIPort:    8080,
		PublicBase: "",
	}
	cfg.deriveDirs()
	return cfg
}

// Load reads APPHOST_* environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("APPHOST_DATA"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("APPHOST_PORT_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid APPHOST_PORT_MIN %q: %w", v, err)
		}
		cfg.PortMin = n
	}
	if v := os.Getenv("APPHOST_PORT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid APPHOST_PORT_MAX %q: %w", v, err)
		}
		cfg.PortMax = n
	}
	if cfg.PortMin > cfg.PortMax {
		return nil, fmt.Errorf("config: APPHOST_PORT_MIN (%d) > APPHOST_PORT_MAX (%d)", cfg.PortMin, cfg.PortMax)
	}
	if v := os.Getenv("APPHOST_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("APPHOST_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid APPHOST_API_PORT %q: %w", v, err)
		}
		cfg.APIPort = n
	}
	if v := os.Getenv("APPHOST_PUBLIC_BASE"); v != "" {
		cfg.PublicBase = v
	}

	cfg.deriveDirs()
	return cfg, nil
}

func (c *Config) deriveDirs() {
	c.AppsDir = filepath.Join(c.DataDir, "apps")
	c.TmpDir = filepath.Join(c.DataDir, "tmp")
}

// EnsureDirs creates the data/apps/tmp directory tree if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.AppsDir, c.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// AppDir returns the per-app directory path for appID.
func (c *Config) AppDir(appID string) string {
	return filepath.Join(c.AppsDir, appID)
}
