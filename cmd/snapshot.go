package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/snapshot"
	"github.com/aelpxy/btrback/internal/utils"
)

var snapshotForce bool

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "inspect local snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "list snapshots kept under the snapshot directory",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := newServices(ctx)

		snaps, err := s.snapshots.ListSnapshots(ctx)
		if err != nil {
			fail("failed to list snapshots: %v", err)
		}
		if len(snaps) == 0 {
			fmt.Println(dimStyle.Render("no snapshots in " + s.snapshots.Dir()))
			printCorrupt(ctx, s)
			return
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("==> snapshots (%d)", len(snaps))))
		fmt.Println()

		rows := make([][]string, 0, len(snaps))
		for _, snap := range snaps {
			rows = append(rows, []string{
				snap.ID,
				snap.Subvolume,
				utils.TruncateString(snap.ParentID, 24),
				fmt.Sprintf("%d", len(snap.ChildIDs)),
				humanize.Time(snap.CreatedAt),
				humanize.IBytes(snap.Size),
			})
		}

		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
				}
				return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
			}).
			Headers("id", "subvolume", "parent", "children", "created", "size").
			Rows(rows...)

		fmt.Println(t)
		fmt.Println()
		printCorrupt(ctx, s)
	},
}

func printCorrupt(ctx context.Context, s *services) {
	corrupt, err := s.snapshots.Corrupt(ctx)
	if err != nil || len(corrupt) == 0 {
		return
	}
	fmt.Println(errorStyle.Render(fmt.Sprintf("  [warn] %d snapshot(s) reference a missing parent and are excluded:", len(corrupt))))
	for _, snap := range corrupt {
		fmt.Printf("    %s %s\n", valueStyle.Render(snap.ID), dimStyle.Render("parent "+snap.ParentID+" at "+snap.Path))
	}
	fmt.Println()
}

var snapshotDeleteCmd = &cobra.Command{
	Use:     "delete <snapshot-id>",
	Aliases: []string{"rm"},
	Short:   "delete a snapshot without children",
	Long: "Delete a local snapshot. Snapshots that still have incremental\n" +
		"children cannot be deleted. Later incremental backups need the\n" +
		"newest snapshot of a subvolume as their parent.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		requireAuth()
		s := newServices(ctx)

		snap, err := s.snapshots.FindSnapshot(ctx, args[0])
		if errors.Is(err, snapshot.ErrCorruptTree) {
			snap = findCorrupt(ctx, s, args[0])
		} else if err != nil {
			fail("%v", err)
		}
		if !snapshotForce && !confirm(fmt.Sprintf("type %s to delete snapshot %s: ", "yes", snap.Path), "yes") {
			fmt.Println(dimStyle.Render("aborted"))
			return
		}
		if err := s.snapshots.DeleteSnapshot(ctx, snap.ID); err != nil {
			fail("%v", err)
		}
		fmt.Println(successStyle.Render("  [done]") + " snapshot " + snap.ID + " deleted")
	},
}

func findCorrupt(ctx context.Context, s *services, id string) *snapshot.Snapshot {
	corrupt, err := s.snapshots.Corrupt(ctx)
	if err != nil {
		fail("%v", err)
	}
	for _, c := range corrupt {
		if c.ID == id {
			return &c
		}
	}
	fail("snapshot %s not found", id)
	return nil
}

func init() {
	snapshotDeleteCmd.Flags().BoolVarP(&snapshotForce, "force", "f", false, "skip confirmation")
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}
