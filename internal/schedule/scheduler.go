package schedule

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/aelpxy/btrback/internal/backup"
	"github.com/aelpxy/btrback/pkg/models"
)

// Creator is the part of the backup manager a schedule needs.
type Creator interface {
	CreateBackup(ctx context.Context, subvolume string, opts backup.CreateOptions) (*backup.Backup, error)
}

// Scheduler runs configured backups on cron expressions. Incremental
// schedules chain onto the last backup the schedule produced in this
// process and fall back to a full backup when there is none.
type Scheduler struct {
	cron    *cron.Cron
	creator Creator

	mu   sync.Mutex
	last map[string]string
}

func New(creator Creator) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		creator: creator,
		last:    make(map[string]string),
	}
}

func (s *Scheduler) Add(ctx context.Context, cfg models.ScheduleConfig) error {
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return errors.NotValidf("cron expression %q for schedule %q", cfg.Cron, cfg.Name)
	}
	_, err := s.cron.AddFunc(cfg.Cron, func() {
		s.Run(ctx, cfg)
	})
	if err != nil {
		return errors.Annotatef(err, "failed to register schedule %s", cfg.Name)
	}
	log.WithFields(log.Fields{"schedule": cfg.Name, "cron": cfg.Cron, "subvolume": cfg.Subvolume}).Info("schedule registered")
	return nil
}

// Run performs one backup for cfg immediately.
func (s *Scheduler) Run(ctx context.Context, cfg models.ScheduleConfig) (*backup.Backup, error) {
	logger := log.WithFields(log.Fields{"schedule": cfg.Name, "subvolume": cfg.Subvolume})

	opts := backup.CreateOptions{
		Description: "scheduled backup " + cfg.Name,
	}
	if cfg.Incremental {
		s.mu.Lock()
		opts.Parent = s.last[cfg.Name]
		s.mu.Unlock()
	}

	b, err := s.creator.CreateBackup(ctx, cfg.Subvolume, opts)
	if err != nil && opts.Parent != "" {
		logger.WithError(err).Warn("incremental backup failed, taking a full backup")
		opts.Parent = ""
		b, err = s.creator.CreateBackup(ctx, cfg.Subvolume, opts)
	}
	if err != nil {
		logger.WithError(err).Error("scheduled backup failed")
		return nil, err
	}

	s.mu.Lock()
	s.last[cfg.Name] = b.ID
	s.mu.Unlock()

	logger.WithField("backup_id", b.ID).Info("scheduled backup finished")
	return b, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and returns a context that is done once running
// jobs complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
