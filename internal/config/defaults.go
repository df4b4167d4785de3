package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/silentauth/
//   - Linux:   ~/.local/share/silentauth/
//   - Windows: %APPDATA%\silentauth\
//
// Falls back to ~/.silentauth if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/silentauth/
//   - Linux:   ~/.config/silentauth/
//   - Windows: %APPDATA%\silentauth\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for sockets.
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "silentauth")
		}
		return filepath.Join(os.TempDir(), "silentauth-"+userID())
	case "windows":
		return windowsDataDir()
	default:
		return filepath.Join(os.TempDir(), "silentauth-"+userID())
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func macOSDataDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", "silentauth")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "silentauth")
	}
	return filepath.Join(homeDir(), ".local", "share", "silentauth")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "silentauth")
	}
	return filepath.Join(homeDir(), ".config", "silentauth")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "silentauth")
	}
	return filepath.Join(homeDir(), "AppData", "Roaming", "silentauth")
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".silentauth")
}

func userID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

func defaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "silentauthd.sock")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in the current directory,
// then the config directory, then the data directory. It returns the
// empty string if none is found.
func FindConfigFile() string {
	searchDirs := []string{".", PlatformConfigDir(), DataDir()}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
