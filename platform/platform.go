// Package platform resolves per-OS locations for application data.
package platform

import (
	"os"
)

// AppName is the application name used for directory naming
const AppName = "retinasim"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "RetinaSim"

// EnvDataDir overrides the data directory when set.
const EnvDataDir = "RETINASIM_DATA_DIR"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\RetinaSim
// macOS: ~/Library/Application Support/RetinaSim
// Linux: $XDG_DATA_HOME/retinasim or ~/.local/share/retinasim
func GetDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	return getDataDir()
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
