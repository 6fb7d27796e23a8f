package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/backup"
	"github.com/aelpxy/btrback/internal/utils"
)

var (
	listSubvolume string
	listLong      bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backups",
	Long:    "List all backups, newest first, optionally filtered by subvolume",
	Args:    cobra.NoArgs,
	Run:     runList,
}

func runList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := newServices(ctx)

	all, err := s.backups.ListBackups(ctx)
	if err != nil {
		fail("failed to list backups: %v", err)
	}

	filter := ""
	if listSubvolume != "" {
		filter, _ = filepath.Abs(listSubvolume)
	}
	var backups []backup.Backup
	for _, b := range all {
		if filter == "" || b.SubvolumePath == filter {
			backups = append(backups, b)
		}
	}

	if len(backups) == 0 {
		if filter != "" {
			fmt.Println(dimStyle.Render(fmt.Sprintf("no backups found for subvolume: %s", filter)))
		} else {
			fmt.Println(dimStyle.Render("no backups found"))
		}
		fmt.Println()
		fmt.Println(dimStyle.Render("create a backup with: btrback create <subvolume>"))
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> backups (%d)", len(backups))))
	fmt.Println()

	rows := [][]string{}
	var totalSize uint64
	for _, b := range backups {
		totalSize += b.Size

		kind := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("full")
		if b.IsIncremental {
			kind = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Render("incr")
		}

		id := utils.TruncateID(b.ID, 12)
		if listLong {
			id = b.ID
		}
		row := []string{
			id,
			utils.TruncateString(b.Name, 32),
			b.SubvolumePath,
			kind,
			b.CreatedAt.Local().Format("2006-01-02 15:04"),
			humanize.IBytes(b.Size),
		}
		if listLong {
			row = append(row, utils.TruncateID(b.ParentID, 12), b.Metadata[backup.MetaEncryption])
		}
		rows = append(rows, row)
	}

	headers := []string{"id", "name", "subvolume", "type", "created", "size"}
	if listLong {
		headers = append(headers, "parent", "encryption")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("86")).
					Bold(true).
					Align(lipgloss.Center)
			}
			return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
		}).
		Headers(headers...).
		Rows(rows...)

	fmt.Println(t)
	fmt.Println()
	fmt.Println(dimStyle.Render(fmt.Sprintf("  total: %s", humanize.IBytes(totalSize))))
	fmt.Println()

	fmt.Println(dimStyle.Render("  commands:"))
	fmt.Printf("    %s\n", dimStyle.Render("btrback show <id>               # backup details"))
	fmt.Printf("    %s\n", dimStyle.Render("btrback restore <id> <target>   # restore backup"))
	fmt.Printf("    %s\n", dimStyle.Render("btrback delete <id>             # delete backup"))
	fmt.Println()
}

func init() {
	listCmd.Flags().StringVarP(&listSubvolume, "subvolume", "s", "", "only show backups of this subvolume")
	listCmd.Flags().BoolVarP(&listLong, "long", "l", false, "show full ids, parents and encryption")
	rootCmd.AddCommand(listCmd)
}
