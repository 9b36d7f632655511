//go:build linux

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	// Follow XDG Base Directory Specification
	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, AppName)
	}
	return filepath.Join(UserHomeDir(), ".local", "share", AppName)
}
