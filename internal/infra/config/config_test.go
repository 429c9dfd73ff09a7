package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Generator.RetryBudget != 3 {
		t.Errorf("retry budget: got %d, want 3", cfg.Generator.RetryBudget)
	}
	if cfg.Generator.RetryDelay != 1500*time.Millisecond {
		t.Errorf("retry delay: got %v, want 1.5s", cfg.Generator.RetryDelay)
	}
	if !cfg.Generator.AutoRetry {
		t.Error("auto retry must default on")
	}
	if cfg.Loader.Entry != "CustomAPITest" {
		t.Errorf("entry: got %q", cfg.Loader.Entry)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Generator.RetryBudget != 3 {
		t.Errorf("defaults not applied: %+v", cfg.Generator)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
platform:
  base_url: https://platform.example.com
  token: file-token
generator:
  retry_budget: 5
  auto_retry: false
logger:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APISTUDIO_PLATFORM_TOKEN", "env-token")
	t.Setenv("APISTUDIO_RETRY_BUDGET", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.BaseURL != "https://platform.example.com" {
		t.Errorf("base url: %q", cfg.Platform.BaseURL)
	}
	if cfg.Platform.Token != "env-token" {
		t.Errorf("env must override file token, got %q", cfg.Platform.Token)
	}
	if cfg.Generator.RetryBudget != 2 {
		t.Errorf("env must override retry budget, got %d", cfg.Generator.RetryBudget)
	}
	if cfg.Generator.AutoRetry {
		t.Error("auto_retry from file not applied")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("level: %q", cfg.Logger.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Platform.BaseURL = "not a url"
	cfg.Generator.RetryBudget = -1
	cfg.Logger.Level = "loud"
	cfg.Loader.Entry = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"base_url", "retry_budget", "logger.level", "loader.entry"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestEncryptedTokenRoundTrip(t *testing.T) {
	enc, err := EncryptValue("secret-token", "passphrase")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "platform:\n  base_url: https://platform.example.com\n  token: enc:" + enc + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APISTUDIO_PASSPHRASE", "passphrase")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.Token != "secret-token" {
		t.Errorf("token not decrypted: %q", cfg.Platform.Token)
	}
}

func TestEncryptedTokenWithoutPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "platform:\n  token: enc:deadbeef:deadbeef\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APISTUDIO_PASSPHRASE", "")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for encrypted token without passphrase")
	}
}

func TestDecryptWithWrongPassphraseFails(t *testing.T) {
	enc, err := EncryptValue("value", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Fatal("expected decrypt failure with wrong passphrase")
	}
}
