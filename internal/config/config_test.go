package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nerv-lab/tachikoma/internal/router"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default max attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if !cfg.Audit.Enabled {
		t.Error("audit should default on")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
router_address: 192.168.50.1
vendor_override: pfsense
credentials:
  pfsense:
    api_key: abc123def456
rate_limit:
  per_second: 5
  burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RouterAddress != "192.168.50.1" {
		t.Errorf("router_address = %q", cfg.RouterAddress)
	}
	if cfg.RateLimit.PerSecond != 5 {
		t.Errorf("rate_limit.per_second = %v", cfg.RateLimit.PerSecond)
	}
	// File values overlay defaults without clobbering unrelated ones.
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry defaults lost: %d", cfg.Retry.MaxAttempts)
	}
}

func TestVendorOverrideRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `
vendor_override: unifi
`)
	_, err := Load(path)
	if router.KindOf(err) != router.ErrConfigurationInvalid {
		t.Fatalf("expected ConfigurationInvalid, got %v", err)
	}
}

func TestASUSAcceptsKeyInsteadOfPassword(t *testing.T) {
	path := writeConfig(t, `
vendor_override: asus
credentials:
  asus:
    username: admin
    ssh_key_path: /etc/tachikoma/asus_ed25519
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("ssh key should satisfy asus credentials: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "router_address: 10.0.0.1\n")
	t.Setenv("TACHIKOMA_ROUTER_ADDRESS", "192.168.1.1")
	t.Setenv("TACHIKOMA_PFSENSE_API_KEY", "envkey123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RouterAddress != "192.168.1.1" {
		t.Errorf("env should win over file, got %q", cfg.RouterAddress)
	}
	if cfg.Credentials["pfsense"].APIKey != "envkey123" {
		t.Error("per-vendor env credential not applied")
	}
}

func TestEncryptWithoutKeyRejected(t *testing.T) {
	path := writeConfig(t, `
backup:
  dir: /tmp/b
  retention_days: 7
  encrypt: true
`)
	_, err := Load(path)
	if router.KindOf(err) != router.ErrConfigurationInvalid {
		t.Fatalf("expected ConfigurationInvalid, got %v", err)
	}
}

func TestCredentialsFor(t *testing.T) {
	cfg := Default()
	cfg.Credentials = map[string]VendorCredentials{
		"openwrt": {Username: "root", Password: "secret"},
	}
	creds, ok := cfg.CredentialsFor(router.VendorOpenWRT)
	if !ok {
		t.Fatal("expected credentials")
	}
	if creds.Username != "root" || !creds.InsecureSkipVerify {
		t.Errorf("unexpected view: %+v", creds.Redacted())
	}
	if _, ok := cfg.CredentialsFor(router.VendorTPLink); ok {
		t.Error("unconfigured vendor should report missing")
	}
}
