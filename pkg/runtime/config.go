package runtime

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBool accepts the usual spellings of on/off.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes", "y":
		return true, nil
	case "0", "false", "off", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", raw)
	}
}

func EnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func EnvInt64(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// EnvSeconds reads a positive number of seconds; fractions are allowed.
func EnvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// EnvList splits a comma or whitespace separated list.
func EnvList(key string) []string {
	return SplitList(os.Getenv(key))
}

func SplitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
