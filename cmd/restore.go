package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var restoreForce bool

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-id] [target]",
	Short: "Restore a backup to a subvolume",
	Long: "Restore a backup as a writable subvolume at target. Incremental\n" +
		"backups are restored by replaying their chain from the full backup.\n" +
		"Without a target the backup is restored over the subvolume it was\n" +
		"taken from. An existing subvolume at target is replaced.",
	Args: cobra.RangeArgs(1, 2),
	Run:  runRestore,
}

func runRestore(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	requireAuth()
	s := newServices(ctx)

	b, err := s.backups.GetBackup(ctx, resolveID(ctx, s, args[0]))
	if err != nil {
		fail("backup not found: %v", err)
	}
	target := b.SubvolumePath
	if len(args) == 2 {
		target = args[1]
	}
	target, err = filepath.Abs(target)
	if err != nil {
		fail("invalid target: %v", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> restoring backup: %s", b.Name)))
	fmt.Println()
	fmt.Println(labelStyle.Render("  backup:"))
	fmt.Printf("    %s %s\n", dimStyle.Render("id:"), valueStyle.Render(b.ID))
	fmt.Printf("    %s %s\n", dimStyle.Render("created:"), valueStyle.Render(b.CreatedAt.Local().Format("2006-01-02 15:04:05")))
	fmt.Printf("    %s %s\n", dimStyle.Render("size:"), valueStyle.Render(humanize.IBytes(b.Size)))
	fmt.Printf("    %s %s\n", dimStyle.Render("target:"), valueStyle.Render(target))
	fmt.Println()

	if !restoreForce && s.volumes.IsSubvolume(ctx, target) {
		fmt.Println(errorStyle.Render("[warn]  warning: this will replace the subvolume at " + target))
		fmt.Println()
		name := filepath.Base(target)
		if !confirm(fmt.Sprintf("type %q to confirm: ", name), name) {
			fmt.Println(labelStyle.Render("\nrestore cancelled."))
			return
		}
		fmt.Println()
	}

	if b.IsIncremental {
		fmt.Println(progressStyle.Render("  --> resolving backup chain..."))
	}
	fmt.Println(progressStyle.Render("  --> downloading and receiving..."))
	if err := s.backups.RestoreBackup(ctx, b.ID, target); err != nil {
		fail("failed to restore backup: %v", err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("  [done] backup restored successfully"))
	fmt.Println()
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "skip confirmation")
	rootCmd.AddCommand(restoreCmd)
}
