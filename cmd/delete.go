package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/utils"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:     "delete [backup-id]",
	Aliases: []string{"rm"},
	Short:   "Delete a backup",
	Long:    "Delete a backup's data, its metadata and the snapshot it was taken from",
	Args:    cobra.ExactArgs(1),
	Run:     runDelete,
}

func runDelete(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	requireAuth()
	s := newServices(ctx)

	b, err := s.backups.GetBackup(ctx, resolveID(ctx, s, args[0]))
	if err != nil {
		fail("backup not found: %v", err)
	}

	if !deleteForce {
		if len(b.ChildIDs) > 0 {
			fmt.Println(errorStyle.Render(fmt.Sprintf("[warn]  %d incremental backups depend on this backup and will no longer restore", len(b.ChildIDs))))
		}
		short := utils.TruncateID(b.ID, 12)
		if !confirm(fmt.Sprintf("type %q to delete backup %s: ", short, b.Name), short) {
			fmt.Println(labelStyle.Render("\ndelete cancelled."))
			return
		}
	}

	if err := s.backups.DeleteBackup(ctx, b.ID); err != nil {
		fail("failed to delete backup: %v", err)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("  [done] backup %s deleted", b.ID)))
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
	rootCmd.AddCommand(deleteCmd)
}
