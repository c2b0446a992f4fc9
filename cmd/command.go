// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/romvault/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "romvault",
	Short: "RomVault - storage backend for a retro-game library",
	Long: `RomVault stores game images, covers and save states in an object store
behind an upload proxy. Large payloads are uploaded through the multipart
protocol; small ones take a single atomic PUT.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
