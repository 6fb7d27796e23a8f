package constants

import "time"

const (
	MaxNameLength = 64
	MinNameLength = 1

	DefaultConfigPath  = "/etc/btrback/config.toml"
	DefaultSnapshotDir = "/var/lib/btrback/snapshots"
	DefaultStoragePath = "/var/lib/btrback/backups"
	DefaultLockDir     = "/run/btrback"
	DefaultS3Region    = "us-east-1"
	DefaultAlgorithm   = "aes-256-gcm"

	ConfigEnv = "BTRBACK_CONFIG"

	DefaultMaxParallelUploads = 4
	DefaultChunkSize          = 8 * 1024 * 1024
	DefaultCompressionLevel   = 3
	MinCompressionLevel       = 1
	MaxCompressionLevel       = 22

	DefaultLockTimeout = 30 * time.Second
)
