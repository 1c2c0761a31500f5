package config

import (
	"os"
	"strings"
)

const defaultStun = "stun:stun.l.google.com:19302"

// Config is read from the environment (optionally seeded from a .env
// file by main). NAT traversal is STUN-only best effort; there is no
// relay fallback.
type Config struct {
	Addr      string
	StunURLs  []string
	LogLevel  string
	StaticDir string
}

func FromEnv() Config {
	return Config{
		Addr:      getenv("CAREWIRE_ADDR", ":8080"),
		StunURLs:  splitList(getenv("CAREWIRE_STUN_URLS", defaultStun)),
		LogLevel:  getenv("CAREWIRE_LOG_LEVEL", "info"),
		StaticDir: getenv("CAREWIRE_STATIC_DIR", "./static"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
