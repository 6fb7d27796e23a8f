package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"github.com/aelpxy/btrback/internal/auth"
	"github.com/aelpxy/btrback/internal/backup"
	"github.com/aelpxy/btrback/internal/btrfs"
	"github.com/aelpxy/btrback/internal/compression"
	"github.com/aelpxy/btrback/internal/config"
	"github.com/aelpxy/btrback/internal/constants"
	"github.com/aelpxy/btrback/internal/encryption"
	"github.com/aelpxy/btrback/internal/lock"
	"github.com/aelpxy/btrback/internal/snapshot"
	"github.com/aelpxy/btrback/internal/storage"
	"github.com/aelpxy/btrback/pkg/models"
)

const (
	authService = "backup"
	apiKeyEnv   = "BTRBACK_API_KEY"
)

// services is everything a command needs, built from the config file.
type services struct {
	configPath string
	cfg        *models.GlobalConfig
	volumes    btrfs.Volumes
	backend    storage.Backend
	provider   encryption.Provider
	snapshots  *snapshot.Manager
	backups    *backup.Manager
	metrics    metrics.Registry
}

func fail(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("[error] "+fmt.Sprintf(format, args...)))
	os.Exit(1)
}

func loadConfig() *config.ConfigManager {
	cm, err := config.NewConfigManager(configPath)
	if err != nil {
		fail("failed to load config: %v", err)
	}
	if err := cm.Validate(); err != nil {
		fail("invalid config %s: %v", cm.Path(), err)
	}
	if logLevel == "" && !verbose && cm.GetConfig().LogLevel != "" {
		if level, err := log.ParseLevel(cm.GetConfig().LogLevel); err == nil {
			log.SetLevel(level)
		}
	}
	return cm
}

func newServices(ctx context.Context) *services {
	cm := loadConfig()
	s, err := buildServices(ctx, cm.Path(), cm.GetConfig())
	if err != nil {
		fail("%v", err)
	}
	return s
}

func buildServices(ctx context.Context, path string, cfg *models.GlobalConfig) (*services, error) {
	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, errors.Annotate(err, "failed to initialize storage")
	}

	provider, err := encryption.New(cfg.Encryption)
	if err != nil {
		return nil, errors.Annotate(err, "failed to initialize encryption")
	}

	var compressor *compression.Compressor
	if cfg.Performance.Compression {
		if compressor, err = compression.New(cfg.Performance.CompressionLevel); err != nil {
			return nil, err
		}
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = constants.DefaultLockDir
	}
	locks, err := lock.NewManager(lockDir)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	volumes := btrfs.NewClient(nil)
	snapshots := snapshot.NewManager(volumes, cfg.SnapshotDir,
		snapshot.WithMetadata(map[string]string{"host": hostname, "tool": "btrback " + version}),
		snapshot.ReadOnly(true),
	)

	registry := metrics.DefaultRegistry
	backups := backup.NewManager(backend, snapshots, volumes, provider, backup.Config{
		TempDir:     cfg.TempDir,
		Parallelism: cfg.Performance.MaxParallelUploads,
		Compressor:  compressor,
		Locks:       locks,
		LockTimeout: constants.DefaultLockTimeout,
		Metrics:     registry,
	})

	return &services{
		configPath: path,
		cfg:        cfg,
		volumes:    volumes,
		backend:    backend,
		provider:   provider,
		snapshots:  snapshots,
		backups:    backups,
		metrics:    registry,
	}, nil
}

// requireAuth enforces an api key when one is registered for the backup
// service through BTRBACK_API_KEY_BACKUP.
func requireAuth() {
	km := auth.NewKeyManager()
	km.LoadEnv(os.Environ())
	if !km.Protects(authService) {
		return
	}
	if _, err := km.Resolve(apiKey, apiKeyEnv, authService); err != nil {
		fail("%v", err)
	}
}

func confirm(prompt, expected string) bool {
	fmt.Print(labelStyle.Render(prompt))
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(answer) == expected
}

// resolveID expands a unique id prefix as printed by `list`.
func resolveID(ctx context.Context, s *services, id string) string {
	if backup.ValidateID(id) == nil {
		return id
	}
	backups, err := s.backups.ListBackups(ctx)
	if err != nil {
		fail("failed to list backups: %v", err)
	}
	match := ""
	for _, b := range backups {
		if strings.HasPrefix(b.ID, id) {
			if match != "" {
				fail("backup id prefix %q is ambiguous", id)
			}
			match = b.ID
		}
	}
	if match == "" {
		fail("backup %s not found", id)
	}
	return match
}
