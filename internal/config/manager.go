package config

import (
	"bytes"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/robfig/cron/v3"

	"github.com/aelpxy/btrback/internal/constants"
	"github.com/aelpxy/btrback/internal/utils"
	"github.com/aelpxy/btrback/pkg/models"
)

const ErrInvalidConfig = errors.ConstError("invalid configuration")

type ConfigManager struct {
	configPath string
	config     *models.GlobalConfig
}

// ResolvePath picks the config file location: explicit flag, then the
// BTRBACK_CONFIG environment variable, then the system default.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(constants.ConfigEnv); env != "" {
		return env
	}
	return constants.DefaultConfigPath
}

func NewConfigManager(configPath string) (*ConfigManager, error) {
	cm := &ConfigManager{
		configPath: ResolvePath(configPath),
	}

	if err := cm.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cm.config = DefaultConfig()
			return cm, nil
		}
		return nil, err
	}

	return cm, nil
}

func DefaultConfig() *models.GlobalConfig {
	return &models.GlobalConfig{
		SnapshotDir: constants.DefaultSnapshotDir,
		TempDir:     os.TempDir(),
		LockDir:     constants.DefaultLockDir,
		LogLevel:    "warn",
		Storage: models.StorageConfig{
			Type: models.StorageLocal,
			Local: models.LocalStorageConfig{
				Path: constants.DefaultStoragePath,
			},
			S3: models.S3StorageConfig{
				Region: constants.DefaultS3Region,
			},
		},
		Encryption: models.EncryptionConfig{
			Enabled:   false,
			Algorithm: constants.DefaultAlgorithm,
		},
		Retention: models.RetentionConfig{
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 12,
			KeepYearly:  1,
		},
		Performance: models.PerformanceConfig{
			MaxParallelUploads: constants.DefaultMaxParallelUploads,
			ChunkSize:          constants.DefaultChunkSize,
			Compression:        true,
			CompressionLevel:   constants.DefaultCompressionLevel,
		},
	}
}

func (cm *ConfigManager) Load() error {
	if _, err := os.Stat(cm.configPath); err != nil {
		return errors.Trace(err)
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(cm.configPath, config); err != nil {
		return errors.WithType(errors.Annotatef(err, "failed to decode config %s", cm.configPath), ErrInvalidConfig)
	}

	cm.config = config
	return nil
}

func (cm *ConfigManager) Save() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cm.config); err != nil {
		return errors.Annotate(err, "failed to encode config")
	}

	if err := utils.AtomicWriteFile(cm.configPath, buf.Bytes(), 0600); err != nil {
		return errors.Annotatef(err, "failed to write config file %s", cm.configPath)
	}

	return nil
}

func (cm *ConfigManager) GetConfig() *models.GlobalConfig {
	return cm.config
}

func (cm *ConfigManager) SetConfig(config *models.GlobalConfig) {
	cm.config = config
}

func (cm *ConfigManager) Path() string {
	return cm.configPath
}

func invalid(format string, args ...interface{}) error {
	return errors.WithType(errors.NotValidf(format, args...), ErrInvalidConfig)
}

func (cm *ConfigManager) Validate() error {
	return Validate(cm.config)
}

func Validate(c *models.GlobalConfig) error {
	if c == nil {
		return invalid("empty config")
	}
	if c.SnapshotDir == "" {
		return invalid("snapshot_dir %q", c.SnapshotDir)
	}

	switch c.Storage.Type {
	case models.StorageLocal:
		if c.Storage.Local.Path == "" {
			return invalid("storage.local.path %q", c.Storage.Local.Path)
		}
	case models.StorageS3:
		s3 := c.Storage.S3
		if s3.Bucket == "" {
			return invalid("storage.s3.bucket %q", s3.Bucket)
		}
		if s3.Region == "" {
			return invalid("storage.s3.region %q", s3.Region)
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			return invalid("storage.s3 credentials (access_key_id and secret_access_key must be set together)")
		}
	default:
		return invalid("storage.type %q", c.Storage.Type)
	}

	if c.Encryption.Enabled {
		if c.Encryption.KeyPath == "" {
			return invalid("encryption.key_path %q", c.Encryption.KeyPath)
		}
		switch strings.ToLower(c.Encryption.Algorithm) {
		case "", "aes-256-gcm", "chacha20-poly1305":
		default:
			return invalid("encryption.algorithm %q", c.Encryption.Algorithm)
		}
	}

	p := c.Performance
	if p.MaxParallelUploads < 1 {
		return invalid("performance.max_parallel_uploads %d", p.MaxParallelUploads)
	}
	if p.ChunkSize < 0 {
		return invalid("performance.chunk_size %d", p.ChunkSize)
	}
	if p.Compression && (p.CompressionLevel < constants.MinCompressionLevel || p.CompressionLevel > constants.MaxCompressionLevel) {
		return invalid("performance.compression_level %d", p.CompressionLevel)
	}

	r := c.Retention
	if r.KeepDaily < 0 || r.KeepWeekly < 0 || r.KeepMonthly < 0 || r.KeepYearly < 0 {
		return invalid("retention counts must not be negative")
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if !utils.IsValidName(s.Name) {
			return invalid("schedule name %q", s.Name)
		}
		if seen[s.Name] {
			return invalid("duplicate schedule %q", s.Name)
		}
		seen[s.Name] = true
		if s.Subvolume == "" {
			return invalid("schedule %q subvolume", s.Name)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return invalid("schedule %q cron expression %q", s.Name, s.Cron)
		}
	}

	return nil
}
