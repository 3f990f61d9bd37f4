package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestEntry records the configuration a database was opened with.
type ManifestEntry struct {
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	DBID      string  `json:"db_id,omitempty"`
	Config    *Config `json:"config"`
}

// Manifest is the append-only history of configurations of one database.
// The first entry fixes the on-disk geometry.
type Manifest struct {
	DBPath     string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// NewManifest creates a new manifest for the given database path
func NewManifest(dbPath, dbID string, config *Config) (*Manifest, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		DBID:      dbID,
		Config:    config,
	}

	m := &Manifest{
		DBPath:     dbPath,
		Entries:    []ManifestEntry{entry},
		LastUpdate: time.Now(),
	}
	m.Current = &m.Entries[0]

	return m, nil
}

// LoadManifest loads an existing manifest from the database directory
func LoadManifest(dbPath string) (*Manifest, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if current.Config == nil {
		return nil, fmt.Errorf("%w: entry without config", ErrInvalidManifest)
	}
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	return &Manifest{
		DBPath:     dbPath,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}, nil
}

// LoadConfigFromManifest loads just the current configuration from the manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	m, err := LoadManifest(dbPath)
	if err != nil {
		return nil, err
	}
	return m.GetConfig().Clone(), nil
}

// Save persists the manifest to disk
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(m.DBPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(m.DBPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	m.LastUpdate = time.Now()
	return nil
}

// Reconcile checks cfg against the stored geometry and records it as the
// current configuration when any tunable changed. It reports whether a new
// entry was appended.
func (m *Manifest) Reconcile(cfg *Config) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Entries[0].Config.CheckGeometry(cfg); err != nil {
		return false, err
	}

	prev, err := json.Marshal(m.Current.Config)
	if err != nil {
		return false, fmt.Errorf("failed to marshal current config: %w", err)
	}
	next, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal config: %w", err)
	}
	if string(prev) == string(next) {
		return false, nil
	}

	m.Entries = append(m.Entries, ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		DBID:      m.Current.DBID,
		Config:    cfg.Clone(),
	})
	m.Current = &m.Entries[len(m.Entries)-1]
	return true, nil
}

// GetConfig returns the current configuration
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}

// DBID returns the identifier the database was created with.
func (m *Manifest) DBID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Entries[0].DBID
}
