package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// ServiceName is the fixed constant naming this daemon's local endpoint
// and config directory (spec.md §6.2). Environment variables use the
// separate AFKD_ prefix.
const ServiceName = "claude-afk"

// EndpointPath returns the platform-appropriate local-stream transport
// endpoint: a Unix-domain socket path on POSIX systems, a named-pipe path
// on Windows (spec.md §6.2).
func EndpointPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + ServiceName
	}
	return filepath.Join(os.TempDir(), ServiceName+".sock")
}

// DefaultConfigDir returns the well-known config directory spec.md §6.6
// roots every on-disk path under, honoring an override so tests and
// packaging scripts don't need to touch the real home directory.
func DefaultConfigDir() string {
	if dir := os.Getenv("AFKD_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", ServiceName)
}

// TerminalBindingsDir returns the terminal-binding directory, which is
// deliberately one level up from ConfigDir in the source this is derived
// from (spec.md §6.6).
func TerminalBindingsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if dir := os.Getenv("AFKD_CONFIG_DIR"); dir != "" {
		// Tests that override the config dir expect the binding dir to
		// move with it, one level up, mirroring the real layout.
		return filepath.Join(filepath.Dir(dir), "sessions", "by-terminal")
	}
	return filepath.Join(home, ".claude", "sessions", "by-terminal")
}
