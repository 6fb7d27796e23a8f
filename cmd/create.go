package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/backup"
	"github.com/aelpxy/btrback/internal/utils"
)

var (
	createName        string
	createDescription string
	createIncremental bool
	createParent      string
)

var createCmd = &cobra.Command{
	Use:   "create [subvolume]",
	Short: "Back up a subvolume",
	Long: "Snapshot a btrfs subvolume and upload it to the configured storage.\n" +
		"With --incremental the newest backup of the same subvolume is used as\n" +
		"parent unless --parent names one explicitly.",
	Args: cobra.ExactArgs(1),
	Run:  runCreate,
}

func runCreate(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	subvolume, err := utils.ValidateSubvolumePath(args[0])
	if err != nil {
		fail("%v", err)
	}

	s := newServices(ctx)

	opts := backup.CreateOptions{
		Name:        createName,
		Description: createDescription,
		Incremental: createIncremental || createParent != "",
		Parent:      createParent,
	}

	if opts.Incremental && opts.Parent == "" {
		backups, err := s.backups.ListBackups(ctx)
		if err != nil {
			fail("failed to list backups: %v", err)
		}
		for _, b := range backups {
			if b.SubvolumePath == subvolume {
				opts.Parent = b.ID
				break
			}
		}
		if opts.Parent == "" {
			fmt.Println(dimStyle.Render("  no previous backup of this subvolume, taking a full backup"))
			opts.Incremental = false
		}
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> backing up: %s", subvolume)))
	fmt.Println()
	fmt.Println(progressStyle.Render("  --> taking snapshot..."))
	if opts.Incremental {
		fmt.Println(progressStyle.Render(fmt.Sprintf("  --> sending changes since %s...", utils.TruncateID(opts.Parent, 12))))
	} else {
		fmt.Println(progressStyle.Render("  --> sending full snapshot..."))
	}
	if s.cfg.Performance.Compression {
		fmt.Println(progressStyle.Render("  --> compressing..."))
	}
	if s.cfg.Encryption.Enabled {
		fmt.Println(progressStyle.Render(fmt.Sprintf("  --> encrypting (%s)...", s.provider.Algorithm())))
	}

	b, err := s.backups.CreateBackup(ctx, subvolume, opts)
	if err != nil {
		fail("failed to create backup: %v", err)
	}

	fmt.Println(progressStyle.Render("  --> saving metadata..."))
	fmt.Println()
	fmt.Println(successStyle.Render("  [done] backup created successfully"))
	fmt.Println()

	fmt.Println(labelStyle.Render("  backup details:"))
	fmt.Printf("    %s %s\n", dimStyle.Render("id:"), valueStyle.Render(b.ID))
	fmt.Printf("    %s %s\n", dimStyle.Render("name:"), valueStyle.Render(b.Name))
	fmt.Printf("    %s %s\n", dimStyle.Render("size:"), valueStyle.Render(humanize.IBytes(b.Size)))
	fmt.Printf("    %s %s\n", dimStyle.Render("snapshot:"), valueStyle.Render(b.SnapshotPath))
	if b.IsIncremental {
		fmt.Printf("    %s %s\n", dimStyle.Render("parent:"), valueStyle.Render(b.ParentID))
	}
	fmt.Println()

	fmt.Println(dimStyle.Render(fmt.Sprintf("  restore with: btrback restore %s <target>", b.ID)))
	fmt.Println()
}

func init() {
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "backup name")
	createCmd.Flags().StringVarP(&createDescription, "description", "d", "", "backup description")
	createCmd.Flags().BoolVarP(&createIncremental, "incremental", "i", false, "send only changes since the parent backup")
	createCmd.Flags().StringVarP(&createParent, "parent", "p", "", "parent backup id for an incremental backup")
	rootCmd.AddCommand(createCmd)
}
