package config

import (
	"reflect"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CAREWIRE_ADDR", "")
	t.Setenv("CAREWIRE_STUN_URLS", "")
	t.Setenv("CAREWIRE_LOG_LEVEL", "")
	t.Setenv("CAREWIRE_STATIC_DIR", "")

	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if len(cfg.StunURLs) != 1 || cfg.StunURLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("StunURLs = %v", cfg.StunURLs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestFromEnvSplitsStunList(t *testing.T) {
	t.Setenv("CAREWIRE_STUN_URLS", "stun:a.example:3478, stun:b.example:3478 ,")

	cfg := FromEnv()
	want := []string{"stun:a.example:3478", "stun:b.example:3478"}
	if !reflect.DeepEqual(cfg.StunURLs, want) {
		t.Errorf("StunURLs = %v, want %v", cfg.StunURLs, want)
	}
}
