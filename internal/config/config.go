// Package config loads the flat process configuration.
// Sources (in priority order): env vars > config file > defaults.
// Missing required fields for the selected vendor fail at load time with
// ConfigurationInvalid, never as a runtime surprise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// VendorCredentials holds per-vendor authentication fields.
type VendorCredentials struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	APIKey     string `yaml:"api_key"`
	SSHKeyPath string `yaml:"ssh_key_path"`
	SSHPort    int    `yaml:"ssh_port" validate:"omitempty,min=1,max=65535"`
}

// RetryConfig shapes the dispatcher's bounded retry state machine.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier" validate:"omitempty,gte=1"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateLimitConfig configures the per-target token buckets.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"min=1"`
}

// BackupConfig configures the snapshot store.
type BackupConfig struct {
	Dir           string `yaml:"dir" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`
	Encrypt       bool   `yaml:"encrypt"`
	KeyHex        string `yaml:"key_hex"`
	PruneSchedule string `yaml:"prune_schedule"` // cron expression; empty disables the pruner
}

// AuditConfig configures the audit store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// TimeoutConfig holds the network timeout knobs.
type TimeoutConfig struct {
	Probe       time.Duration `yaml:"probe"`        // single detection probe
	DetectTotal time.Duration `yaml:"detect_total"` // whole detection sequence
	Command     time.Duration `yaml:"command"`      // one adapter execute call
}

// Config is the whole process configuration.
type Config struct {
	// Default router address for the CLI and MCP tools.
	RouterAddress string `yaml:"router_address"`
	// Vendor override skips detection when set (e.g. "pfsense").
	VendorOverride string `yaml:"vendor_override"`

	Credentials map[string]VendorCredentials `yaml:"credentials"` // keyed by vendor name

	TLSSkipVerify bool            `yaml:"tls_skip_verify"`
	Timeouts      TimeoutConfig   `yaml:"timeouts"`
	Retry         RetryConfig     `yaml:"retry"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Backup        BackupConfig    `yaml:"backup"`
	Audit         AuditConfig     `yaml:"audit"`

	// SNMP community for vendors that expose bandwidth counters over SNMP.
	SNMPCommunity string `yaml:"snmp_community"`

	LogLevel     string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr  string `yaml:"metrics_addr"`  // empty disables the /metrics listener
	MCPHTTPAddr  string `yaml:"mcp_http_addr"` // empty keeps MCP stdio-only
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns configuration with sensible defaults. Retry and rate
// limit numbers are tuning placeholders, not contractual constants.
func Default() Config {
	return Config{
		TLSSkipVerify: true, // routers commonly ship self-signed certs
		Timeouts: TimeoutConfig{
			Probe:       3 * time.Second,
			DetectTotal: 20 * time.Second,
			Command:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			Multiplier:     2.0,
			MaxBackoff:     10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 2,
			Burst:     5,
		},
		Backup: BackupConfig{
			Dir:           "/var/lib/tachikoma/backups",
			RetentionDays: 30,
			PruneSchedule: "0 3 * * *",
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  "/var/lib/tachikoma/audit.db",
		},
		SNMPCommunity: "public",
		LogLevel:      "info",
	}
}

// Load reads configuration from a YAML file (if path is non-empty), then
// overlays environment variables, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, router.E(router.ErrConfigurationInvalid, fmt.Sprintf("read config: %v", err), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, router.E(router.ErrConfigurationInvalid, fmt.Sprintf("parse config: %v", err), err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TACHIKOMA_ROUTER_ADDRESS"); v != "" {
		cfg.RouterAddress = v
	}
	if v := os.Getenv("TACHIKOMA_VENDOR"); v != "" {
		cfg.VendorOverride = v
	}
	if v := os.Getenv("TACHIKOMA_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("TACHIKOMA_BACKUP_KEY"); v != "" {
		cfg.Backup.KeyHex = v
		cfg.Backup.Encrypt = true
	}
	if v := os.Getenv("TACHIKOMA_AUDIT_DB"); v != "" {
		cfg.Audit.DBPath = v
	}
	if v := os.Getenv("TACHIKOMA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TACHIKOMA_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("TACHIKOMA_MCP_HTTP_ADDR"); v != "" {
		cfg.MCPHTTPAddr = v
	}
	if v := os.Getenv("TACHIKOMA_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("TACHIKOMA_SNMP_COMMUNITY"); v != "" {
		cfg.SNMPCommunity = v
	}
	if v := os.Getenv("TACHIKOMA_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.RateLimit.PerSecond = n
		}
	}

	// Per-vendor credentials: TACHIKOMA_<VENDOR>_USERNAME / _PASSWORD /
	// _API_KEY / _SSH_KEY (mirrors the original .env layout).
	for _, vendor := range []string{"unifi", "asus", "netgear", "pfsense", "openwrt", "tplink"} {
		prefix := "TACHIKOMA_" + strings.ToUpper(vendor) + "_"
		vc := cfg.Credentials[vendor]
		changed := false
		if v := os.Getenv(prefix + "USERNAME"); v != "" {
			vc.Username = v
			changed = true
		}
		if v := os.Getenv(prefix + "PASSWORD"); v != "" {
			vc.Password = v
			changed = true
		}
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			vc.APIKey = v
			changed = true
		}
		if v := os.Getenv(prefix + "SSH_KEY"); v != "" {
			vc.SSHKeyPath = v
			changed = true
		}
		if changed {
			if cfg.Credentials == nil {
				cfg.Credentials = make(map[string]VendorCredentials)
			}
			cfg.Credentials[vendor] = vc
		}
	}
}

var validate = validator.New()

// Validate checks structural constraints and, when a vendor override is
// selected, that its required credential fields are present.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return router.E(router.ErrConfigurationInvalid, fmt.Sprintf("invalid configuration: %v", err), err)
	}

	if c.Backup.Encrypt && c.Backup.KeyHex == "" {
		return router.Errorf(router.ErrConfigurationInvalid, "backup.encrypt is set but backup.key_hex is empty")
	}

	if c.VendorOverride == "" {
		return nil
	}
	vendor, err := router.ParseVendor(c.VendorOverride)
	if err != nil {
		return router.E(router.ErrConfigurationInvalid, fmt.Sprintf("vendor_override: %v", err), err)
	}
	if !vendor.Known() {
		return nil // "auto" override means detect
	}
	vc, ok := c.Credentials[string(vendor)]
	if !ok {
		return router.Errorf(router.ErrConfigurationInvalid, "vendor %s selected but no credentials configured", vendor)
	}
	return requireVendorFields(vendor, vc)
}

// requireVendorFields enforces the per-vendor required credential set.
func requireVendorFields(vendor router.Vendor, vc VendorCredentials) error {
	missing := func(field string) error {
		return router.Errorf(router.ErrConfigurationInvalid, "vendor %s requires credentials.%s.%s", vendor, vendor, field)
	}
	switch vendor {
	case router.VendorASUS:
		// SSH transport: username plus either a key or a password.
		if vc.Username == "" {
			return missing("username")
		}
		if vc.Password == "" && vc.SSHKeyPath == "" {
			return missing("password or ssh_key_path")
		}
	case router.VendorPfSense:
		// REST API accepts either an API key or user/password.
		if vc.APIKey == "" && (vc.Username == "" || vc.Password == "") {
			return missing("api_key or username+password")
		}
	default:
		if vc.Username == "" {
			return missing("username")
		}
		if vc.Password == "" {
			return missing("password")
		}
	}
	return nil
}

// CredentialsFor converts the config entry for a vendor into the
// read-only view adapters receive.
func (c Config) CredentialsFor(vendor router.Vendor) (router.Credentials, bool) {
	vc, ok := c.Credentials[string(vendor)]
	if !ok {
		return router.Credentials{}, false
	}
	return router.Credentials{
		Username:           vc.Username,
		Password:           vc.Password,
		APIKey:             vc.APIKey,
		SSHKeyPath:         vc.SSHKeyPath,
		SSHPort:            vc.SSHPort,
		InsecureSkipVerify: c.TLSSkipVerify,
	}, true
}
