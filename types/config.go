/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package types

import "time"

// AppConfig represents the complete application configuration
type AppConfig struct {
	Verbose     bool              `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
	Config      string            `mapstructure:"config" yaml:"config" json:"config"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage" json:"storage" validate:"required"`
	Validation  ValidationConfig  `mapstructure:"validation" yaml:"validation" json:"validation"`
	Batch       BatchConfig       `mapstructure:"batch" yaml:"batch" json:"batch"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache" json:"cache"`
	Transaction TransactionConfig `mapstructure:"transaction" yaml:"transaction" json:"transaction"`
	Backup      BackupConfig      `mapstructure:"backup" yaml:"backup" json:"backup" validate:"required"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance" json:"maintenance"`
	Log         LogConfig         `mapstructure:"log" yaml:"log" json:"log"`
}

// StorageConfig selects and configures the Storage Port backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver" validate:"required,oneof=sqlite file"`
	Path   string `mapstructure:"path" yaml:"path" json:"path" validate:"required"`
	// Format only applies to the file driver.
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json yaml"`
}

// ValidationConfig bounds hierarchy and dependency checks.
type ValidationConfig struct {
	MaxDepth          int  `mapstructure:"maxDepth" yaml:"maxDepth" json:"maxDepth" validate:"min=1"`
	MaxChildren       int  `mapstructure:"maxChildren" yaml:"maxChildren" json:"maxChildren" validate:"min=1"`
	MaxTraversalDepth int  `mapstructure:"maxTraversalDepth" yaml:"maxTraversalDepth" json:"maxTraversalDepth" validate:"min=1"`
	AllowMissing      bool `mapstructure:"allowMissing" yaml:"allowMissing" json:"allowMissing"`
}

// BatchConfig controls the dependency-aware batch processor.
type BatchConfig struct {
	ChunkSize   int           `mapstructure:"chunkSize" yaml:"chunkSize" json:"chunkSize" validate:"min=1"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency" validate:"min=1,max=256"`
	MaxAttempts int           `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"baseDelay" yaml:"baseDelay" json:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`
}

// CacheConfig controls the task cache and its memory watchdog.
type CacheConfig struct {
	MaxEntries    int           `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries" validate:"min=1"`
	MaxBytes      int64         `mapstructure:"maxBytes" yaml:"maxBytes" json:"maxBytes" validate:"min=1"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	EvictFraction float64       `mapstructure:"evictFraction" yaml:"evictFraction" json:"evictFraction" validate:"gt=0,lte=1"`
	CheckInterval time.Duration `mapstructure:"checkInterval" yaml:"checkInterval" json:"checkInterval"`
	HighWaterMark float64       `mapstructure:"highWaterMark" yaml:"highWaterMark" json:"highWaterMark" validate:"gt=0"`
	Cooldown      time.Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
}

// TransactionConfig controls the transaction coordinator.
type TransactionConfig struct {
	// WaitTimeout bounds how long a mutation waits for a busy handle.
	WaitTimeout time.Duration `mapstructure:"waitTimeout" yaml:"waitTimeout" json:"waitTimeout"`
}

// BackupConfig controls snapshot location and retention.
type BackupConfig struct {
	Dir                   string `mapstructure:"dir" yaml:"dir" json:"dir" validate:"required"`
	MaxSnapshots          int    `mapstructure:"maxSnapshots" yaml:"maxSnapshots" json:"maxSnapshots" validate:"min=1"`
	RelationshipBatchSize int    `mapstructure:"relationshipBatchSize" yaml:"relationshipBatchSize" json:"relationshipBatchSize" validate:"min=1"`
	// Schedule is a cron expression for automatic exports. Empty disables it.
	Schedule string `mapstructure:"schedule" yaml:"schedule" json:"schedule"`
}

// MaintenanceConfig schedules vacuum/checkpoint hooks.
type MaintenanceConfig struct {
	Schedule string `mapstructure:"schedule" yaml:"schedule" json:"schedule"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json text"`
}
