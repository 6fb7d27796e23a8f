package models

type GlobalConfig struct {
	SnapshotDir string `toml:"snapshot_dir" json:"snapshot_dir"`
	TempDir     string `toml:"temp_dir" json:"temp_dir"`
	LockDir     string `toml:"lock_dir" json:"lock_dir"`
	LogLevel    string `toml:"log_level" json:"log_level"`

	Storage     StorageConfig     `toml:"storage" json:"storage"`
	Encryption  EncryptionConfig  `toml:"encryption" json:"encryption"`
	Retention   RetentionConfig   `toml:"retention" json:"retention"`
	Performance PerformanceConfig `toml:"performance" json:"performance"`
	Schedules   []ScheduleConfig  `toml:"schedule" json:"schedule"`
}

type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
)

type StorageConfig struct {
	Type  StorageType        `toml:"type" json:"type"`
	Local LocalStorageConfig `toml:"local" json:"local"`
	S3    S3StorageConfig    `toml:"s3" json:"s3"`
}

type LocalStorageConfig struct {
	Path string `toml:"path" json:"path"`
}

type S3StorageConfig struct {
	Bucket          string `toml:"bucket" json:"bucket"`
	Region          string `toml:"region" json:"region"`
	Endpoint        string `toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty" json:"-"`
}

type EncryptionConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	KeyPath   string `toml:"key_path" json:"key_path"`
	Algorithm string `toml:"algorithm" json:"algorithm"`
}

// accepted and persisted, not enforced
type RetentionConfig struct {
	KeepDaily   int `toml:"keep_daily" json:"keep_daily"`
	KeepWeekly  int `toml:"keep_weekly" json:"keep_weekly"`
	KeepMonthly int `toml:"keep_monthly" json:"keep_monthly"`
	KeepYearly  int `toml:"keep_yearly" json:"keep_yearly"`
}

type PerformanceConfig struct {
	MaxParallelUploads int  `toml:"max_parallel_uploads" json:"max_parallel_uploads"`
	ChunkSize          int  `toml:"chunk_size" json:"chunk_size"`
	Compression        bool `toml:"compression" json:"compression"`
	CompressionLevel   int  `toml:"compression_level" json:"compression_level"`
	MaxBandwidth       int  `toml:"max_bandwidth,omitempty" json:"max_bandwidth,omitempty"`
}

type ScheduleConfig struct {
	Name        string `toml:"name" json:"name"`
	Subvolume   string `toml:"subvolume" json:"subvolume"`
	Cron        string `toml:"cron" json:"cron"`
	Incremental bool   `toml:"incremental" json:"incremental"`
}
