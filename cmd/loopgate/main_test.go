package main

import (
	"testing"
)

func TestParseSettings(t *testing.T) {
	cfg, err := parseSettings([]string{"token=123:abc", "sync=true", "watch=false", "url=https://x?a=b"})
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	if cfg["token"] != "123:abc" {
		t.Errorf("token = %v", cfg["token"])
	}
	if cfg["sync"] != true || cfg["watch"] != false {
		t.Errorf("bool coercion failed: %v", cfg)
	}
	if cfg["url"] != "https://x?a=b" {
		t.Errorf("value with '=' mangled: %v", cfg["url"])
	}

	if _, err := parseSettings([]string{"no-equals"}); err == nil {
		t.Error("malformed setting accepted")
	}
	if _, err := parseSettings([]string{"=value"}); err == nil {
		t.Error("empty key accepted")
	}
}

func TestValidChannelType(t *testing.T) {
	for _, ok := range []string{"telegram", "whatsapp", "web_widget"} {
		if !validChannelType(ok) {
			t.Errorf("%s rejected", ok)
		}
	}
	for _, bad := range []string{"webwidget", "irc", ""} {
		if validChannelType(bad) {
			t.Errorf("%s accepted", bad)
		}
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("LOOPGATE_CONFIG", "")
	if got := defaultConfigPath(); got != "loopgate.yaml" {
		t.Errorf("default = %q", got)
	}
	t.Setenv("LOOPGATE_CONFIG", "/etc/loopgate/prod.yaml")
	if got := defaultConfigPath(); got != "/etc/loopgate/prod.yaml" {
		t.Errorf("env override = %q", got)
	}
}
