package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/internal/constants"
	"github.com/aelpxy/btrback/pkg/models"
)

func TestMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cm, err := NewConfigManager(path)
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}
	c := cm.GetConfig()
	if c.Storage.Type != models.StorageLocal || c.Storage.Local.Path != constants.DefaultStoragePath {
		t.Fatalf("unexpected storage defaults: %+v", c.Storage)
	}
	if c.Performance.MaxParallelUploads != 4 || c.Performance.CompressionLevel != 3 || !c.Performance.Compression {
		t.Fatalf("unexpected performance defaults: %+v", c.Performance)
	}
	if err := cm.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.toml")
	cm, err := NewConfigManager(path)
	if err != nil {
		t.Fatal(err)
	}
	c := cm.GetConfig()
	c.Storage.Type = models.StorageS3
	c.Storage.S3.Bucket = "backups"
	c.Encryption.Enabled = true
	c.Encryption.KeyPath = "/etc/btrback/key"
	c.Schedules = []models.ScheduleConfig{{Name: "nightly", Subvolume: "/data", Cron: "0 3 * * *", Incremental: true}}
	if err := cm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := NewConfigManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := loaded.GetConfig()
	if got.Storage.S3.Bucket != "backups" || !got.Encryption.Enabled || len(got.Schedules) != 1 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.Schedules[0].Cron != "0 3 * * *" || !got.Schedules[0].Incremental {
		t.Fatalf("schedule mismatch: %+v", got.Schedules[0])
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("snapshot_dir = \"/snaps\"\n[storage.local]\npath = \"/srv/backups\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cm, err := NewConfigManager(path)
	if err != nil {
		t.Fatal(err)
	}
	c := cm.GetConfig()
	if c.SnapshotDir != "/snaps" || c.Storage.Local.Path != "/srv/backups" {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Storage.Type != models.StorageLocal || c.Performance.MaxParallelUploads != 4 {
		t.Fatalf("defaults not kept: %+v", c)
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("snapshot_dir = [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewConfigManager(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(constants.ConfigEnv, "/tmp/from-env.toml")
	if got := ResolvePath("/explicit.toml"); got != "/explicit.toml" {
		t.Fatalf("flag should win, got %s", got)
	}
	if got := ResolvePath(""); got != "/tmp/from-env.toml" {
		t.Fatalf("env should apply, got %s", got)
	}
	t.Setenv(constants.ConfigEnv, "")
	if got := ResolvePath(""); got != constants.DefaultConfigPath {
		t.Fatalf("default expected, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.GlobalConfig)
	}{
		{"unknown storage", func(c *models.GlobalConfig) { c.Storage.Type = "ftp" }},
		{"s3 without bucket", func(c *models.GlobalConfig) { c.Storage.Type = models.StorageS3 }},
		{"half credentials", func(c *models.GlobalConfig) {
			c.Storage.Type = models.StorageS3
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.AccessKeyID = "id"
		}},
		{"encryption without key", func(c *models.GlobalConfig) { c.Encryption.Enabled = true }},
		{"unknown algorithm", func(c *models.GlobalConfig) {
			c.Encryption.Enabled = true
			c.Encryption.KeyPath = "/k"
			c.Encryption.Algorithm = "rot13"
		}},
		{"zero parallelism", func(c *models.GlobalConfig) { c.Performance.MaxParallelUploads = 0 }},
		{"compression level", func(c *models.GlobalConfig) { c.Performance.CompressionLevel = 40 }},
		{"bad cron", func(c *models.GlobalConfig) {
			c.Schedules = []models.ScheduleConfig{{Name: "n", Subvolume: "/data", Cron: "every day"}}
		}},
		{"duplicate schedule", func(c *models.GlobalConfig) {
			s := models.ScheduleConfig{Name: "n", Subvolume: "/data", Cron: "@daily"}
			c.Schedules = []models.ScheduleConfig{s, s}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			err := Validate(c)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !errors.Is(err, errors.NotValid) {
				t.Fatalf("expected NotValid, got %v", err)
			}
		})
	}
}
