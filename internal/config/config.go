// Package config aggregates nexadb's tunables into one Config value,
// the way the teacher's pkg/database.Config wraps pkg/storage.Config
// for a single DataDir-rooted instance. DefaultConfig(dataDir) mirrors
// the teacher's constructor shape and spec.md §6's option table.
package config

import (
	"time"

	"github.com/mnohosten/nexadb/internal/engine"
	"github.com/mnohosten/nexadb/internal/sstable"
	"github.com/mnohosten/nexadb/internal/vector"
	"github.com/mnohosten/nexadb/internal/wal"
)

// Config holds every tunable named in spec.md §6's configuration
// table, grouped by the subsystem that consumes it.
type Config struct {
	DataDir string

	ListenHost string
	ListenPort int

	MemtableBytes         int64
	WALBatchSize          int
	WALFlushIntervalMS    int
	BloomFPRate           float64 // passed to the engine, which does not read it (bloom filters use a fixed 1% rate)
	CompactionLevelFanout int
	HandleCacheCapacity   int
	Compression           sstable.Compression

	VectorHNSWM              int
	VectorHNSWEfConstruction int
	VectorHNSWEfSearch       int

	AuthRequired bool

	// InactivityTimeout closes a connection idle this long mid
	// request-response, per spec.md §5.
	InactivityTimeout time.Duration
}

// DefaultConfig returns spec.md §6's documented defaults rooted at
// dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                  dataDir,
		ListenHost:               "0.0.0.0",
		ListenPort:               4205,
		MemtableBytes:            4 << 20,
		WALBatchSize:             100,
		WALFlushIntervalMS:       10,
		BloomFPRate:              0.01,
		CompactionLevelFanout:    4,
		HandleCacheCapacity:      64,
		Compression:              sstable.CompressionSnappy,
		VectorHNSWM:              16,
		VectorHNSWEfConstruction: 200,
		VectorHNSWEfSearch:       100,
		AuthRequired:             true,
		InactivityTimeout:        30 * time.Second,
	}
}

// EngineConfig derives an internal/engine.Config from these settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		DataDir:             c.DataDir,
		MemTableSizeBytes:   c.MemtableBytes,
		CompactionThreshold: c.CompactionLevelFanout,
		BloomFPR:            c.BloomFPRate,
		Compression:         c.Compression,
		HandleCacheCapacity: c.HandleCacheCapacity,
		WAL: wal.Config{
			BatchSize:     c.WALBatchSize,
			FlushInterval: time.Duration(c.WALFlushIntervalMS) * time.Millisecond,
		},
	}
}

// VectorConfig derives an internal/vector.Config from these settings.
func (c *Config) VectorConfig() vector.Config {
	return vector.Config{
		M:              c.VectorHNSWM,
		EfConstruction: c.VectorHNSWEfConstruction,
		EfSearch:       c.VectorHNSWEfSearch,
		Metric:         vector.SquaredL2,
	}
}
