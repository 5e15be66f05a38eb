// Package config provides centralized configuration for taskgraph.
// All default values are defined here to ensure a single source of truth.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	// ConfigName is the config file base name (.taskgraph.yaml).
	ConfigName = ".taskgraph"

	// EnvPrefix prefixes environment overrides, e.g. TASKGRAPH_STORAGE_DRIVER.
	EnvPrefix = "TASKGRAPH"

	// DataDirName is the local project data directory.
	DataDirName = ".taskgraph"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Validation defaults.
const (
	DefaultMaxDepth          = 10
	DefaultMaxChildren       = 100
	DefaultMaxTraversalDepth = 1000
)

// Batch defaults.
const (
	DefaultChunkSize   = 50
	DefaultConcurrency = 1
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

// Cache defaults.
const (
	DefaultCacheEntries  = 1000
	DefaultCacheBytes    = 64 << 20
	DefaultCacheTTL      = 10 * time.Minute
	DefaultEvictFraction = 0.1
	DefaultCheckInterval = 30 * time.Second
	DefaultHighWaterMark = 0.9
	DefaultCooldown      = time.Minute
)

// Backup defaults.
const (
	DefaultMaxSnapshots          = 10
	DefaultRelationshipBatchSize = 500
	DefaultMaintenanceSchedule   = "@daily"
)

// SetDefaults registers every default on v. dataDir anchors the storage and
// backup paths.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", dataDir)
	v.SetDefault("storage.format", "json")

	v.SetDefault("validation.maxDepth", DefaultMaxDepth)
	v.SetDefault("validation.maxChildren", DefaultMaxChildren)
	v.SetDefault("validation.maxTraversalDepth", DefaultMaxTraversalDepth)
	v.SetDefault("validation.allowMissing", false)

	v.SetDefault("batch.chunkSize", DefaultChunkSize)
	v.SetDefault("batch.concurrency", DefaultConcurrency)
	v.SetDefault("batch.maxAttempts", DefaultMaxAttempts)
	v.SetDefault("batch.baseDelay", DefaultBaseDelay)
	v.SetDefault("batch.maxDelay", DefaultMaxDelay)

	v.SetDefault("cache.maxEntries", DefaultCacheEntries)
	v.SetDefault("cache.maxBytes", DefaultCacheBytes)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.evictFraction", DefaultEvictFraction)
	v.SetDefault("cache.checkInterval", DefaultCheckInterval)
	v.SetDefault("cache.highWaterMark", DefaultHighWaterMark)
	v.SetDefault("cache.cooldown", DefaultCooldown)

	v.SetDefault("transaction.waitTimeout", 5*time.Second)

	v.SetDefault("backup.dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup.maxSnapshots", DefaultMaxSnapshots)
	v.SetDefault("backup.relationshipBatchSize", DefaultRelationshipBatchSize)
	v.SetDefault("backup.schedule", "")

	v.SetDefault("maintenance.schedule", DefaultMaintenanceSchedule)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
