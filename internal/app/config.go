package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr             string
	SocketPath       string
	DBPath           string
	UploadDir        string
	PublicBaseURL    string
	MaxImageSize     int64
	MaxVideoSize     int64
	UploadRateLimit  int
	UploadRateWindow time.Duration
	AllowedOrigins   []string
	TrustProxy       bool
}

// DefaultDataDir returns the per-user directory holding the media index and blobs.
func DefaultDataDir() string {
	if env := os.Getenv("LIVECHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "livechat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Livechat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Livechat")
		}
		return filepath.Join(home, ".local", "share", "livechat")
	}
	return filepath.Join(".", ".livechat")
}

// DefaultDBPath returns the SQLite media index path inside DefaultDataDir.
func DefaultDBPath() string {
	if env := os.Getenv("LIVECHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(DefaultDataDir(), "livechat.db")
}

// DefaultUploadDir returns where uploaded blobs are written.
func DefaultUploadDir() string {
	if env := os.Getenv("LIVECHAT_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(DefaultDataDir(), "media")
}

// NormalizeSocketPath guarantees the websocket path starts with '/' and
// falls back to /socket when empty.
func NormalizeSocketPath(path string) string {
	if path == "" {
		return "/socket"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
