package config

import (
	"errors"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != CurrentManifestVersion {
		t.Errorf("expected version %d, got %d", CurrentManifestVersion, cfg.Version)
	}

	if cfg.Node.RegnNbit != 20 || cfg.Node.FreedRegnNbit != 6 {
		t.Errorf("unexpected node geometry: %+v", cfg.Node)
	}

	if cfg.Compression != CompressionNone {
		t.Errorf("expected no compression by default, got %s", cfg.Compression)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid version", func(c *Config) { c.Version = 0 }},
		{"region larger than file", func(c *Config) { c.Node.RegnNbit = c.Node.FileNbit + 1 }},
		{"region too small", func(c *Config) { c.DataBlk.RegnNbit = 8 }},
		{"freed unit larger than region", func(c *Config) { c.DataComp.FreedRegnNbit = c.DataComp.RegnNbit + 1 }},
		{"freed unit too small", func(c *Config) { c.Node.FreedRegnNbit = 3 }},
		{"swap without cache", func(c *Config) { c.Node.MaxCachedRegn = 0 }},
		{"single region", func(c *Config) { c.MaxRegnID = 1 }},
		{"wal block too small", func(c *Config) { c.WALBlockNbit = 8 }},
		{"wal file smaller than block", func(c *Config) { c.WALFileNbit = c.WALBlockNbit - 1 }},
		{"zero wal queue", func(c *Config) { c.MaxWALQueued = 0 }},
		{"submit exceeds requests", func(c *Config) { c.MaxAIOSubmit = c.MaxAIORequests + 1 }},
		{"zero staging", func(c *Config) { c.MaxStaging = 0 }},
		{"negative sluggishness", func(c *Config) { c.Sluggishness = -1 }},
		{"negative timeout", func(c *Config) { c.WriteTimeout = -time.Second }},
		{"unknown compression", func(c *Config) { c.Compression = "lz4" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSwapOffAllowsUnboundedCache(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Node.SwapOn = false
	cfg.Node.MaxCachedRegn = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestCheckGeometry(t *testing.T) {
	a := NewDefaultConfig()
	b := a.Clone()

	b.MaxBuffered = 1
	b.Node.MaxCachedRegn = 3
	if err := a.CheckGeometry(b); err != nil {
		t.Errorf("tunables should not affect geometry: %v", err)
	}

	b.DataBlk.RegnNbit = 21
	if err := a.CheckGeometry(b); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("expected geometry mismatch, got %v", err)
	}

	c := a.Clone()
	c.WALBlockNbit = 12
	if err := a.CheckGeometry(c); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("expected geometry mismatch, got %v", err)
	}
}
