package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/config"
	"github.com/aelpxy/btrback/internal/utils"
	"github.com/aelpxy/btrback/pkg/models"
)

var (
	initForce       bool
	initStoragePath string
	initS3Bucket    string
	initS3Region    string
	initS3Endpoint  string
	initKeyPath     string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manage btrback configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default configuration file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path := config.ResolvePath(configPath)
		if _, err := os.Stat(path); err == nil && !initForce {
			fail("config %s already exists (use --force to overwrite)", path)
		}

		cm, err := config.NewConfigManager(path)
		if err != nil {
			fail("failed to load config: %v", err)
		}
		cfg := config.DefaultConfig()
		if initStoragePath != "" {
			cfg.Storage.Local.Path = initStoragePath
		}
		if initS3Bucket != "" {
			cfg.Storage.Type = models.StorageS3
			cfg.Storage.S3.Bucket = initS3Bucket
			cfg.Storage.S3.Endpoint = initS3Endpoint
			if initS3Region != "" {
				cfg.Storage.S3.Region = initS3Region
			}
		}
		if initKeyPath != "" {
			cfg.Encryption.Enabled = true
			cfg.Encryption.KeyPath = initKeyPath
		}
		if err := config.Validate(cfg); err != nil {
			fail("%v", err)
		}

		cm.SetConfig(cfg)
		if err := cm.Save(); err != nil {
			fail("failed to save config: %v", err)
		}

		fmt.Println(successStyle.Render("  [done]") + " wrote " + path)
		if cfg.Encryption.Enabled {
			if _, err := os.Stat(cfg.Encryption.KeyPath); err != nil {
				fmt.Println(dimStyle.Render(fmt.Sprintf("  generate the key with: btrback key generate %s", cfg.Encryption.KeyPath)))
			}
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cm := loadConfig()
		cfg := *cm.GetConfig()
		if cfg.Storage.S3.SecretAccessKey != "" {
			cfg.Storage.S3.SecretAccessKey = utils.MaskSensitive(cfg.Storage.S3.SecretAccessKey, 4)
		}

		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			fail("failed to encode config: %v", err)
		}
		fmt.Println(dimStyle.Render("# " + cm.Path()))
		fmt.Print(buf.String())
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&initStoragePath, "storage-path", "", "local storage directory")
	configInitCmd.Flags().StringVar(&initS3Bucket, "s3-bucket", "", "use s3 storage with this bucket")
	configInitCmd.Flags().StringVar(&initS3Region, "s3-region", "", "s3 region")
	configInitCmd.Flags().StringVar(&initS3Endpoint, "s3-endpoint", "", "custom s3 endpoint")
	configInitCmd.Flags().StringVar(&initKeyPath, "key-path", "", "enable encryption with this key file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
