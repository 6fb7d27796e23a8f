package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/btrfs"
	"github.com/aelpxy/btrback/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tooling, storage and backup status",
	Args:  cobra.NoArgs,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := newServices(ctx)

	fmt.Println(titleStyle.Render("==> btrback status"))
	fmt.Println()

	row := func(label, value string) {
		fmt.Printf("  %s %s\n", dimStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
	}

	if tools, err := btrfs.DetectTools(ctx); err != nil {
		row("btrfs", errorStyle.Render(err.Error()))
	} else {
		row("btrfs", successStyle.Render(tools.Version)+" "+dimStyle.Render(tools.Path))
	}
	row("config", valueStyle.Render(s.configPath))
	row("snapshot dir", valueStyle.Render(s.cfg.SnapshotDir))

	switch s.cfg.Storage.Type {
	case models.StorageS3:
		location := s.cfg.Storage.S3.Bucket + " (" + s.cfg.Storage.S3.Region + ")"
		if s.cfg.Storage.S3.Endpoint != "" {
			location += " at " + s.cfg.Storage.S3.Endpoint
		}
		row("storage", valueStyle.Render("s3 "+location))
	default:
		row("storage", valueStyle.Render("local "+s.cfg.Storage.Local.Path))
	}

	reachable := successStyle.Render("reachable")
	for _, err := range s.backend.List(ctx, "backups/") {
		if err != nil {
			reachable = errorStyle.Render(err.Error())
		}
		break
	}
	row("storage check", reachable)

	enc := dimStyle.Render("disabled")
	if s.cfg.Encryption.Enabled {
		enc = successStyle.Render(s.provider.Algorithm())
	}
	row("encryption", enc)

	comp := dimStyle.Render("disabled")
	if s.cfg.Performance.Compression {
		comp = valueStyle.Render(fmt.Sprintf("zstd level %d", s.cfg.Performance.CompressionLevel))
	}
	row("compression", comp)
	fmt.Println()

	backups, err := s.backups.ListBackups(ctx)
	if err != nil {
		row("backups", errorStyle.Render(err.Error()))
	} else {
		var total uint64
		full := 0
		for _, b := range backups {
			total += b.Size
			if !b.IsIncremental {
				full++
			}
		}
		row("backups", valueStyle.Render(fmt.Sprintf("%d (%d full, %d incremental)", len(backups), full, len(backups)-full)))
		row("stored", valueStyle.Render(humanize.IBytes(total)))
		if len(backups) > 0 {
			row("latest", valueStyle.Render(fmt.Sprintf("%s %s", backups[0].Name, humanize.Time(backups[0].CreatedAt))))
		}
	}

	if snaps, err := s.snapshots.ListSnapshots(ctx); err != nil {
		row("snapshots", errorStyle.Render(err.Error()))
	} else {
		row("snapshots", valueStyle.Render(fmt.Sprintf("%d", len(snaps))))
	}
	if corrupt, err := s.snapshots.Corrupt(ctx); err == nil && len(corrupt) > 0 {
		row("corrupt", errorStyle.Render(fmt.Sprintf("%d snapshot(s) with a missing parent", len(corrupt))))
	}
	row("schedules", valueStyle.Render(fmt.Sprintf("%d", len(s.cfg.Schedules))))
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
