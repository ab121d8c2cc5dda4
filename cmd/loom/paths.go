package main

import (
	"fmt"
	"os"
	"path/filepath"

	"loom/pkg/protocol"
)

// Paths holds all resolved loom state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	LoomHome   string // ~/.loom or LOOM_HOME
	SocketPath string // loom.sock or LOOM_SOCKET_PATH
	DBPath     string // state.db or LOOM_DB_PATH
	RosterPath string // endpoints.yaml or LOOM_ROSTER_PATH
	ConfigPath string // config.toml or LOOM_CONFIG_PATH
}

// ResolvePaths returns all loom paths, respecting env var overrides.
// Environment variables:
//   - LOOM_HOME: base directory for all loom state (default: ~/.loom)
//   - LOOM_SOCKET_PATH: coordinator UDS socket (default: $LOOM_HOME/loom.sock)
//   - LOOM_DB_PATH: coordinator state database (default: $LOOM_HOME/state.db)
//   - LOOM_ROSTER_PATH: endpoint roster (default: $LOOM_HOME/endpoints.yaml)
//   - LOOM_CONFIG_PATH: coordinator config (default: $LOOM_HOME/config.toml)
func ResolvePaths() (*Paths, error) {
	loomHome, err := resolveLoomHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		LoomHome:   loomHome,
		SocketPath: resolvePathWithEnv("LOOM_SOCKET_PATH", loomHome, protocol.SocketFile),
		DBPath:     resolvePathWithEnv("LOOM_DB_PATH", loomHome, protocol.StateDBFile),
		RosterPath: resolvePathWithEnv("LOOM_ROSTER_PATH", loomHome, protocol.RosterFile),
		ConfigPath: resolvePathWithEnv("LOOM_CONFIG_PATH", loomHome, protocol.ConfigFile),
	}, nil
}

// EnsureHome creates the loom home directory if it does not exist.
func (p *Paths) EnsureHome() error {
	if err := os.MkdirAll(p.LoomHome, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", p.LoomHome, err)
	}
	return nil
}

func resolveLoomHome() (string, error) {
	if v := os.Getenv("LOOM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.LoomDir), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
