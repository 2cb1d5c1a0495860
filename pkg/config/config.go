// Package config loads the YAML configuration file shared by the hub
// and sensor binaries: role, device identity, bind address/port,
// key-store location, and the optional audit/cache backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role selects which side of the protocol a process runs as.
type Role string

const (
	RoleHub    Role = "hub"
	RoleSensor Role = "sensor"
)

// AuditConfig configures the optional PostgreSQL event audit trail.
// Absent or disabled, sensor_data events are simply never persisted —
// the engine's synchronous callback table is unaffected either way.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// CacheConfig configures the optional Redis-backed replay/discovery
// cache. It is a resilience aid only; the in-memory guard and registry
// are always authoritative and work with no cache present.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the top-level shape of a shdc-hub or shdc-sensor config
// file.
type Config struct {
	Role         Role        `yaml:"role"`
	DeviceIDHex  string      `yaml:"device_id"`
	BindAddress  string      `yaml:"bind_address"`
	Port         int         `yaml:"port"`
	Interface    string      `yaml:"interface"`
	KeyStorePath string      `yaml:"key_store_path"`
	Debug        bool        `yaml:"debug"`
	StatusAddr   string      `yaml:"status_addr"`
	Audit        AuditConfig `yaml:"audit"`
	Cache        CacheConfig `yaml:"cache"`

	// DeviceID is DeviceIDHex parsed to a uint32, populated by Load.
	DeviceID uint32 `yaml:"-"`
}

// Load reads and validates a config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.setDefaults()

	deviceID, err := ParseDeviceID(cfg.DeviceIDHex)
	if err != nil {
		return nil, fmt.Errorf("config: invalid device_id: %w", err)
	}
	cfg.DeviceID = deviceID

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 56700
	}
	if c.KeyStorePath == "" {
		c.KeyStorePath = "~/.shdc/keys"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = "127.0.0.1:7700"
	}
}

func (c *Config) validate() error {
	if c.Role != RoleHub && c.Role != RoleSensor {
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleHub, RoleSensor, c.Role)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.KeyStorePath == "" {
		return fmt.Errorf("config: key_store_path is required")
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("config: audit.dsn is required when audit.enabled is true")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("config: cache.addr is required when cache.enabled is true")
	}
	return nil
}

// ParseDeviceID parses a device id given as hex ("0x12345678") or
// decimal ("305419896"), validated to fit a uint32.
func ParseDeviceID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("device id is required")
	}

	base := 10
	trimmed := s
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		base = 16
		trimmed = s[2:]
	}

	v, err := strconv.ParseUint(trimmed, base, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid device id: %w", s, err)
	}
	return uint32(v), nil
}

// WriteFile marshals cfg to YAML and writes it to path.
func WriteFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return nil
}
