package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/encryption"
)

var keyForce bool

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "manage encryption keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate <path>",
	Short: "generate a new 256-bit encryption key",
	Long: "Generate a random 256-bit key and write it with mode 0600.\n" +
		"Backups encrypted with a key cannot be restored without it.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !keyForce {
			fail("key %s already exists (use --force to overwrite)", path)
		}

		key, err := encryption.GenerateKey()
		if err != nil {
			fail("%v", err)
		}
		if err := encryption.SaveKey(path, key); err != nil {
			fail("%v", err)
		}

		fmt.Println(successStyle.Render("  [done]") + " wrote " + path)
		fmt.Println(dimStyle.Render("  keep a copy somewhere safe, lost keys cannot be recovered"))
	},
}

func init() {
	keyGenerateCmd.Flags().BoolVarP(&keyForce, "force", "f", false, "overwrite an existing key")
	keyCmd.AddCommand(keyGenerateCmd)
	rootCmd.AddCommand(keyCmd)
}
