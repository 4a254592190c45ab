package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"default.url", "https://demo.example.co", false},
		{"default.api_key", "anon", false},
		{"auth.user_id", "u1", false},
		{"default.colour", "blue", true},
		{"nosection", "x", true},
		{"profile.name", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := setConfigValue(cfg, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("setConfigValue(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
	if cfg.Default.URL != "https://demo.example.co" || cfg.Default.APIKey != "anon" || cfg.Auth.UserID != "u1" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MURMUR_URL", "https://env.example.co")
	t.Setenv("MURMUR_ACCESS_TOKEN", "env-token")
	cfg := &Config{Default: ConfigDefault{URL: "https://file.example.co", APIKey: "file-key"}}
	from := applyEnv(cfg)
	if from["default.url"] != "MURMUR_URL" || from["auth.access_token"] != "MURMUR_ACCESS_TOKEN" || len(from) != 2 {
		t.Errorf("overrides = %v", from)
	}
	if cfg.Default.URL != "https://env.example.co" || cfg.Auth.AccessToken != "env-token" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Default.APIKey != "file-key" {
		t.Errorf("unset variable overrode api key: %q", cfg.Default.APIKey)
	}
}

func TestWriteConfig(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{URL: "https://env.example.co", APIKey: "anon-key-0123456789abcdef"},
		Auth:    ConfigAuth{Email: "a@example.com", AccessToken: "eyJhbGciOiJIUzI1NiJ9.payload.sig"},
	}
	var buf bytes.Buffer
	writeConfig(&buf, "/home/a/.murmur/config.toml", cfg, map[string]string{"default.url": "MURMUR_URL"})
	out := buf.String()

	for _, want := range []string{
		"File: /home/a/.murmur/config.toml",
		"https://env.example.co  (from MURMUR_URL)",
		"anon-key-012...cdef",
		"a@example.com",
		"log_level      (not set)",
		"refresh_token  (not set)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, secret := range []string{"anon-key-0123456789abcdef", "payload.sig"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaks %q:\n%s", secret, out)
		}
	}
	if strings.Contains(out, "a@example.com  (from") {
		t.Error("file value marked as overridden")
	}
}

func TestParseMessageID(t *testing.T) {
	if id, err := parseMessageID("42"); err != nil || id != 42 {
		t.Errorf("parseMessageID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc"} {
		if _, err := parseMessageID(bad); err == nil {
			t.Errorf("parseMessageID(%q) accepted", bad)
		}
	}
}
