// Package config holds the YAML-loadable configuration structs for the
// context and pool layers, decoded with gopkg.in/yaml.v3 — the only
// structured-config library carried over from the teacher repo's
// dependency set.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ContextConfig mirrors cryptctx.Config's YAML shape so embedding
// applications can load security level and compression from a file
// rather than constructing cryptctx.Config literals directly.
type ContextConfig struct {
	SecurityLevel     string `yaml:"security_level"`
	EnableCompression bool   `yaml:"enable_compression"`
}

// PoolConfig mirrors the pool builder's constructor parameters.
type PoolConfig struct {
	PoolBytes    uint64 `yaml:"pool_bytes"`
	BaseAddress  uint64 `yaml:"base_address"`
	MinAlignment uint32 `yaml:"min_alignment"`
}

// AuditConfig configures the pool mutation audit trail. Sink is
// restricted to in-process destinations — stdout or a local file —
// since this module has no HTTP transport surface for an audit
// collector to target.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	MaxEvents          int        `yaml:"max_events"`
	Sink               SinkConfig `yaml:"sink"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys"`
}

// SinkConfig selects and parameterizes the audit event destination.
type SinkConfig struct {
	Type          string `yaml:"type"` // "stdout" (default) or "file"
	FilePath      string `yaml:"file_path"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
	RetryCount    int    `yaml:"retry_count"`
	RetryBackoff  string `yaml:"retry_backoff"`
}

// Config is the top-level document decoded from a single YAML file.
type Config struct {
	Context ContextConfig `yaml:"context"`
	Pool    PoolConfig    `yaml:"pool"`
	Audit   AuditConfig   `yaml:"audit"`
}

// Default returns the observable defaults from the external
// interfaces section: Balanced, compression on, 4 KiB pool at 0x1000,
// 16-byte alignment, audit disabled.
func Default() Config {
	return Config{
		Context: ContextConfig{SecurityLevel: "balanced", EnableCompression: true},
		Pool:    PoolConfig{PoolBytes: 4096, BaseAddress: 0x1000, MinAlignment: 16},
		Audit:   AuditConfig{Enabled: false, MaxEvents: 1000, Sink: SinkConfig{Type: "stdout"}},
	}
}

// Load reads and decodes a YAML config document from path, filling
// unset fields from Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document from data, filling unset
// fields from Default().
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}
