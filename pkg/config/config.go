package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/regiondb/pkg/common/log"
	"github.com/KevoDB/regiondb/pkg/telemetry"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
	ErrGeometryMismatch = errors.New("geometry does not match existing database")
)

// Compression codecs for value blocks
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
)

// SpaceConfig is the geometry and cache configuration of one region space.
//
// A space stores its content in files of 2^FileNbit bytes split into regions
// of 2^RegnNbit bytes. Free space inside the space is tracked in units of
// 2^FreedRegnNbit bytes, and the free list itself is persisted in a separate
// freed store whose files are 2^FreedFileNbit bytes.
type SpaceConfig struct {
	FileNbit           uint `json:"file_nbit"`
	RegnNbit           uint `json:"regn_nbit"`
	FreedFileNbit      uint `json:"freed_file_nbit"`
	FreedRegnNbit      uint `json:"freed_regn_nbit"`
	MaxCachedRegn      int  `json:"max_cached_regn"`
	FreedMaxCachedRegn int  `json:"freed_max_cached_regn"`
	SwapOn             bool `json:"swap_on"`
}

// Config holds every engine-open-time option. A Config must not be modified
// once it has been passed to an open engine.
type Config struct {
	Version int `json:"version"`

	// Region spaces
	Node     SpaceConfig `json:"node"`
	DataBlk  SpaceConfig `json:"data_blk"`
	DataComp SpaceConfig `json:"data_comp"`

	// MaxRegnID bounds the number of regions in each space
	MaxRegnID uint64 `json:"max_regn_id"`

	// DataCompMaxWalk is the number of regions one compaction pass may visit
	DataCompMaxWalk int `json:"data_comp_max_walk"`

	// WAL configuration
	WALBlockNbit uint  `json:"wal_block_nbit"`
	WALFileNbit  uint  `json:"wal_file_nbit"`
	MaxWALGrowth int64 `json:"max_wal_growth"`
	MaxWALQueued int   `json:"max_wal_queued"`

	// Async I/O configuration
	MaxAIORequests    int `json:"max_aio_requests"`
	MaxAIOSubmit      int `json:"max_aio_submit"`
	MaxAIOResponses   int `json:"max_aio_responses"`
	MaxWALAIORequests int `json:"max_wal_aio_requests"`
	AIOWorkers        int `json:"aio_workers"`

	// Write pipeline configuration
	MaxBuffered  int           `json:"max_buffered"`
	MaxStaging   int           `json:"max_staging"`
	MaxSealed    int           `json:"max_sealed"`
	Sluggishness int           `json:"sluggishness"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// Value compression
	Compression          string `json:"compression"`
	CompressionThreshold int    `json:"compression_threshold"`

	// EmulatedFailurePoint tears the WAL at this logical byte offset when
	// non-zero. Used to test crash recovery.
	EmulatedFailurePoint uint64 `json:"emulated_failure_point"`

	LogLevel  string           `json:"log_level"`
	Telemetry telemetry.Config `json:"telemetry"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	tel := telemetry.DefaultConfig()

	return &Config{
		Version: CurrentManifestVersion,

		Node: SpaceConfig{
			FileNbit:           28, // 256MB
			RegnNbit:           20, // 1MB
			FreedFileNbit:      24,
			FreedRegnNbit:      6, // 64B
			MaxCachedRegn:      256,
			FreedMaxCachedRegn: 64,
			SwapOn:             true,
		},
		DataBlk: SpaceConfig{
			FileNbit:           30, // 1GB
			RegnNbit:           22, // 4MB
			FreedFileNbit:      24,
			FreedRegnNbit:      7, // 128B
			MaxCachedRegn:      64,
			FreedMaxCachedRegn: 64,
			SwapOn:             true,
		},
		DataComp: SpaceConfig{
			FileNbit:           30,
			RegnNbit:           22,
			FreedFileNbit:      24,
			FreedRegnNbit:      7,
			MaxCachedRegn:      32,
			FreedMaxCachedRegn: 32,
			SwapOn:             true,
		},

		MaxRegnID:       1 << 20,
		DataCompMaxWalk: 8,

		WALBlockNbit: 15, // 32KB
		WALFileNbit:  26, // 64MB
		MaxWALGrowth: 64 * 1024 * 1024,
		MaxWALQueued: 1024,

		MaxAIORequests:    128,
		MaxAIOSubmit:      32,
		MaxAIOResponses:   32,
		MaxWALAIORequests: 16,
		AIOWorkers:        4,

		MaxBuffered:  4096,
		MaxStaging:   1024,
		MaxSealed:    64,
		Sluggishness: 2,

		Compression:          CompressionNone,
		CompressionThreshold: 512,

		LogLevel:  "info",
		Telemetry: tel,
	}
}

// Clone returns an independent copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (s SpaceConfig) validate(name string) error {
	if s.FileNbit > 40 {
		return fmt.Errorf("%w: %s file_nbit %d exceeds 40", ErrInvalidConfig, name, s.FileNbit)
	}
	if s.RegnNbit < 12 || s.RegnNbit > s.FileNbit {
		return fmt.Errorf("%w: %s regn_nbit must be between 12 and file_nbit", ErrInvalidConfig, name)
	}
	if s.FreedRegnNbit < 5 || s.FreedRegnNbit > s.RegnNbit {
		return fmt.Errorf("%w: %s freed_regn_nbit must be between 5 and regn_nbit", ErrInvalidConfig, name)
	}
	if s.FreedFileNbit < 12 || s.FreedFileNbit > 40 {
		return fmt.Errorf("%w: %s freed_file_nbit must be between 12 and 40", ErrInvalidConfig, name)
	}
	if s.SwapOn && s.MaxCachedRegn <= 0 {
		return fmt.Errorf("%w: %s max_cached_regn must be positive when swap is on", ErrInvalidConfig, name)
	}
	if s.SwapOn && s.FreedMaxCachedRegn <= 0 {
		return fmt.Errorf("%w: %s freed_max_cached_regn must be positive when swap is on", ErrInvalidConfig, name)
	}
	return nil
}

func (s SpaceConfig) sameGeometry(o SpaceConfig) bool {
	return s.FileNbit == o.FileNbit && s.RegnNbit == o.RegnNbit &&
		s.FreedFileNbit == o.FreedFileNbit && s.FreedRegnNbit == o.FreedRegnNbit
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	for _, sp := range []struct {
		name string
		cfg  SpaceConfig
	}{{"node", c.Node}, {"data_blk", c.DataBlk}, {"data_comp", c.DataComp}} {
		if err := sp.cfg.validate(sp.name); err != nil {
			return err
		}
	}

	if c.MaxRegnID < 2 {
		return fmt.Errorf("%w: max_regn_id must be at least 2", ErrInvalidConfig)
	}

	if c.DataCompMaxWalk < 0 {
		return fmt.Errorf("%w: data_comp_max_walk cannot be negative", ErrInvalidConfig)
	}

	if c.WALBlockNbit < 9 || c.WALBlockNbit > 24 {
		return fmt.Errorf("%w: wal_block_nbit must be between 9 and 24", ErrInvalidConfig)
	}

	if c.WALFileNbit < c.WALBlockNbit || c.WALFileNbit > 40 {
		return fmt.Errorf("%w: wal_file_nbit must be between wal_block_nbit and 40", ErrInvalidConfig)
	}

	if c.MaxWALGrowth <= 0 {
		return fmt.Errorf("%w: max_wal_growth must be positive", ErrInvalidConfig)
	}

	if c.MaxWALQueued <= 0 {
		return fmt.Errorf("%w: max_wal_queued must be positive", ErrInvalidConfig)
	}

	if c.MaxAIORequests <= 0 || c.MaxAIOSubmit <= 0 || c.MaxAIOResponses <= 0 || c.MaxWALAIORequests <= 0 {
		return fmt.Errorf("%w: AIO limits must be positive", ErrInvalidConfig)
	}

	if c.MaxAIOSubmit > c.MaxAIORequests {
		return fmt.Errorf("%w: max_aio_submit cannot exceed max_aio_requests", ErrInvalidConfig)
	}

	if c.AIOWorkers <= 0 {
		return fmt.Errorf("%w: aio_workers must be positive", ErrInvalidConfig)
	}

	if c.MaxBuffered <= 0 || c.MaxStaging <= 0 || c.MaxSealed <= 0 {
		return fmt.Errorf("%w: pipeline stage capacities must be positive", ErrInvalidConfig)
	}

	if c.Sluggishness < 0 {
		return fmt.Errorf("%w: sluggishness cannot be negative", ErrInvalidConfig)
	}

	if c.WriteTimeout < 0 {
		return fmt.Errorf("%w: write_timeout cannot be negative", ErrInvalidConfig)
	}

	switch c.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.CompressionThreshold < 0 {
		return fmt.Errorf("%w: compression_threshold cannot be negative", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// CheckGeometry reports whether other describes the same on-disk layout.
// Cache sizes, pipeline bounds and other tunables may differ between opens.
func (c *Config) CheckGeometry(other *Config) error {
	if !c.Node.sameGeometry(other.Node) {
		return fmt.Errorf("%w: node space", ErrGeometryMismatch)
	}
	if !c.DataBlk.sameGeometry(other.DataBlk) {
		return fmt.Errorf("%w: data block space", ErrGeometryMismatch)
	}
	if !c.DataComp.sameGeometry(other.DataComp) {
		return fmt.Errorf("%w: compressed data space", ErrGeometryMismatch)
	}
	if c.WALBlockNbit != other.WALBlockNbit || c.WALFileNbit != other.WALFileNbit {
		return fmt.Errorf("%w: wal", ErrGeometryMismatch)
	}
	return nil
}
