package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envParsed returns def when key is unset, blank, or rejected by parse.
func envParsed[T any](key string, def T, parse func(string) (T, bool)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if out, ok := parse(v); ok {
		return out
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envParsed(key, def, func(v string) (string, bool) { return v, true })
}

func EnvBool(key string, def bool) bool {
	return envParsed(key, def, func(v string) (bool, bool) {
		b, err := strconv.ParseBool(v)
		return b, err == nil
	})
}

// EnvInt accepts positive values only.
func EnvInt(key string, def int) int {
	return envParsed(key, def, func(v string) (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil && n > 0
	})
}

// EnvInt32 accepts zero, used for pool minimums.
func EnvInt32(key string, def int32) int32 {
	return envParsed(key, def, func(v string) (int32, bool) {
		n, err := strconv.ParseInt(v, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration reads a positive duration env var with a default.
// Both Go syntax ("90s", "5m") and bare integer seconds ("90") are accepted.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParsed(key, def, func(v string) (time.Duration, bool) {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second, n > 0
		}
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	})
}

// EnvCSV reads a comma-separated list; empty items are dropped.
func EnvCSV(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "helpdesk"
}
