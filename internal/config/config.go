// Package config loads and validates the database's on-disk configuration,
// accepting JSON-with-comments (JWCC) files via tailscale/hujson so a
// deployed config can carry inline documentation.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config describes how to open a Db: where its backing devices live, how
// they're partitioned into chunks, how much version history to retain, and
// the ambient logging/locking knobs.
type Config struct {
	// DevicePaths are the backing files (standing in for raw block
	// devices) the storage pool opens.
	DevicePaths []string `json:"device_paths"`

	// ChunksPerDevice gives the chunk count hosted by each entry in
	// DevicePaths, parallel by index.
	ChunksPerDevice []uint32 `json:"chunks_per_device"`

	// ChunkCapacity is the fixed byte size of every chunk.
	ChunkCapacity uint64 `json:"chunk_capacity"`

	// MetadataDir holds the double-buffered metadata files.
	MetadataDir string `json:"metadata_dir"`

	// HistoryCapacity overrides mpt.HistoryRingCapacity when non-zero,
	// mostly for tests that want a small window to exercise expiration.
	HistoryCapacity int `json:"history_capacity"`

	// LogLevel is one of trace/debug/info/warn/error.
	LogLevel string `json:"log_level"`

	// LogFormat is "terminal" or "json".
	LogFormat string `json:"log_format"`

	// LockTimeoutMillis bounds how long Open waits to acquire the
	// cross-process advisory lock on MetadataDir before giving up.
	LockTimeoutMillis int64 `json:"lock_timeout_millis"`

	// ReadRingDepth/WriteRingDepth/BufferCount/BufferSize tune the async
	// I/O engine; zero means "use asyncio.DefaultOptions()".
	ReadRingDepth  int `json:"read_ring_depth"`
	WriteRingDepth int `json:"write_ring_depth"`
	BufferCount    int `json:"buffer_count"`
	BufferSize     int `json:"buffer_size"`
}

// Default returns a Config with every zero-value field replaced by a sane
// default, leaving DevicePaths/ChunksPerDevice (which have no sane
// default) untouched.
func Default() Config {
	return Config{
		ChunkCapacity:     64 << 20, // 64 MiB
		MetadataDir:       "./mpt-data/meta",
		HistoryCapacity:   1024,
		LogLevel:          "info",
		LogFormat:         "terminal",
		LockTimeoutMillis: 30_000,
		ReadRingDepth:     64,
		WriteRingDepth:    64,
		BufferCount:       128,
		BufferSize:        4096,
	}
}

// Load reads a JWCC (JSON-with-comments) config file from path, applying
// Default() for any field left zero-valued.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if len(c.DevicePaths) == 0 {
		return fmt.Errorf("config: at least one device path is required")
	}
	if len(c.DevicePaths) != len(c.ChunksPerDevice) {
		return fmt.Errorf("config: device_paths has %d entries but chunks_per_device has %d", len(c.DevicePaths), len(c.ChunksPerDevice))
	}
	if c.ChunkCapacity == 0 {
		return fmt.Errorf("config: chunk_capacity must be > 0")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("config: metadata_dir must be set")
	}
	return nil
}
