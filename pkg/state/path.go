package state

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// BaseDir returns the base directory used for persistent plugin data.
//
// Override:
// - EXE_CODE_DATA_DIR: absolute or relative path
//
// Default:
// - system user cache dir + "/exe-code"
func BaseDir() string {
	if raw := strings.TrimSpace(os.Getenv("EXE_CODE_DATA_DIR")); raw != "" {
		return raw
	}
	if d := strings.TrimSpace(userCacheDir()); d != "" {
		return filepath.Join(d, "exe-code")
	}
	return filepath.Join(os.TempDir(), "exe-code")
}

// ConstFile is the path of the per-user constants file.
func ConstFile(dir, uid string) string {
	return filepath.Join(dir, SafeName(uid)+".json")
}

// SafeName maps a user key such as "OneBot V11:114514" to a file-name-safe
// form. Bytes outside [A-Za-z0-9.-] are written as "_XX" hex, so distinct
// keys never share a name.
func SafeName(raw string) string {
	if raw == "" {
		return "_"
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

func userCacheDir() string {
	if d, err := os.UserCacheDir(); err == nil && strings.TrimSpace(d) != "" {
		return d
	}

	switch runtime.GOOS {
	case "windows":
		if d := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); d != "" {
			return d
		}
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, "AppData", "Local")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, "Library", "Caches")
		}
	default:
		if d := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); d != "" {
			return d
		}
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, ".cache")
		}
	}

	return ""
}
