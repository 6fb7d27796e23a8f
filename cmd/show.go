package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [backup-id]",
	Short: "Show backup details",
	Args:  cobra.ExactArgs(1),
	Run:   runShow,
}

func runShow(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := newServices(ctx)

	b, err := s.backups.GetBackup(ctx, resolveID(ctx, s, args[0]))
	if err != nil {
		fail("backup not found: %v", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> backup: %s", b.Name)))
	fmt.Println()

	field := func(label, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Printf("  %s %s\n", dimStyle.Render(fmt.Sprintf("%-12s", label+":")), valueStyle.Render(value))
	}
	field("id", b.ID)
	field("subvolume", b.SubvolumePath)
	field("snapshot", b.SnapshotPath)
	field("description", b.Description)
	field("size", humanize.IBytes(b.Size))
	field("created", fmt.Sprintf("%s (%s)", b.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(b.CreatedAt)))
	field("updated", b.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if b.IsIncremental {
		field("type", "incremental")
		field("parent", b.ParentID)
	} else {
		field("type", "full")
	}
	for _, child := range b.ChildIDs {
		field("child", child)
	}

	if len(b.Metadata) > 0 {
		fmt.Println()
		fmt.Println(labelStyle.Render("  metadata:"))
		keys := make([]string, 0, len(b.Metadata))
		for k := range b.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s %s\n", dimStyle.Render(k+":"), b.Metadata[k])
		}
	}

	chain, err := s.backups.Chain(ctx, b)
	if err != nil {
		fmt.Println()
		fmt.Println(errorStyle.Render(fmt.Sprintf("  [warn] restore chain broken: %v", err)))
	} else if len(chain) > 1 {
		fmt.Println()
		fmt.Println(infoStyle.Render(fmt.Sprintf("  restore replays %d backups", len(chain))))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(showCmd)
}
