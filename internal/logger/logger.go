// Package logger builds the process-wide slog.Logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const masked = "***"

// secretKeys are masked on an exact key match, secretSuffixes on a suffix
// match, so keys such as token_count stay readable.
var (
	secretKeys = map[string]bool{
		"api_key": true, "apikey": true, "secret": true, "password": true,
		"token": true, "authorization": true, "secret_key": true, "access_key": true,
	}
	secretSuffixes = []string{"_api_key", "_secret", "_secret_key", "_password", "_token"}
)

// New returns a JSON logger at level (debug, info, warn, error; default info).
// Values of attributes whose key looks like a credential are masked.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: maskSecrets,
	}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func maskSecrets(_ []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		return slog.String(a.Key, masked)
	}
	return a
}

func isSecretKey(key string) bool {
	key = strings.ReplaceAll(strings.ToLower(key), "-", "_")
	if secretKeys[key] {
		return true
	}
	for _, s := range secretSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}
