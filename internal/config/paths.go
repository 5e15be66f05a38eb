package config

import (
	"os"
	"path/filepath"
)

// GetGlobalConfigDir returns the path to the global data directory (~/.taskgraph).
// It's a variable to allow overriding in tests.
var GetGlobalConfigDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DataDirName), nil
}

// DefaultDataDir returns the directory holding the store and backups.
// Resolution order (first match wins):
// 1. Local project directory: ./.taskgraph (if exists)
// 2. XDG_DATA_HOME/taskgraph (if XDG_DATA_HOME is set)
// 3. Global fallback: ~/.taskgraph
func DefaultDataDir() string {
	if info, err := os.Stat(DataDirName); err == nil && info.IsDir() {
		return DataDirName
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "taskgraph")
	}
	dir, err := GetGlobalConfigDir()
	if err != nil {
		return "./" + DataDirName
	}
	return dir
}

// searchPaths lists config directories in priority order.
func searchPaths() []string {
	paths := []string{}
	if info, err := os.Stat(DataDirName); err == nil && info.IsDir() {
		paths = append(paths, DataDirName)
	}
	paths = append(paths, ".")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	return paths
}
