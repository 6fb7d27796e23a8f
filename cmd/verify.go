package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [backup-id]",
	Short: "Check that a backup's metadata is readable",
	Long: "Check that the metadata record of a backup can be fetched and parsed.\n" +
		"The backup data itself is not downloaded.",
	Args: cobra.ExactArgs(1),
	Run:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := newServices(ctx)

	ok, err := s.backups.VerifyBackup(ctx, args[0])
	if err != nil {
		fail("failed to verify backup: %v", err)
	}
	if !ok {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  [fail] backup %s is missing or corrupt", args[0])))
		os.Exit(1)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("  [ok] backup %s verified", args[0])))
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
