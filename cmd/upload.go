// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/uploader"
	"github.com/LeeDigitalWorks/romvault/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// UploadOpts holds configuration for a single upload invocation
type UploadOpts struct {
	Endpoint    string
	Threshold   string // human-readable, e.g. "100MiB"
	ChunkSize   string // human-readable, e.g. "95MiB"
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	PartsPerSec float64
	AuthHeader  string
	Secret      string
	ContentType string
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file> <key>",
	Short: "Upload a file through the vault proxy",
	Long: `Upload a local file to the vault under the given key.
Files below the threshold take a single PUT; larger files go through
the multipart protocol with per-part retries.`,
	Args: cobra.ExactArgs(2),
	Run:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()

	f.String("endpoint", "http://127.0.0.1:8080", "Vault server base URL")
	f.String("threshold", "100MiB", "Multipart cutover size (e.g. '100MiB')")
	f.String("chunk_size", "95MiB", "Per-part size for multipart uploads (e.g. '95MiB')")
	f.Int("concurrency", 1, "Parallel part uploads")
	f.Int("max_attempts", uploader.DefaultMaxAttempts, "Attempts per part upload")
	f.Duration("backoff_base", uploader.DefaultBackoffBase, "First retry delay; doubles per attempt")
	f.Float64("parts_per_sec", 0, "Pace part uploads (0 = unlimited)")
	f.String("auth_header", "", "Header carrying the shared upload secret")
	f.String("secret", "", "Shared upload secret (prefer SECRET env or config over the flag)")
	f.String("content_type", "application/octet-stream", "Content type stored with the object")

	viper.BindPFlags(f)
}

func runUpload(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("upload", false)
	opts := loadUploadOpts(cmd)

	path, key := args[0], args[1]

	threshold, err := humanize.ParseBytes(opts.Threshold)
	if err != nil {
		logger.Fatal().Err(err).Str("threshold", opts.Threshold).Msg("invalid threshold")
	}
	chunkSize, err := humanize.ParseBytes(opts.ChunkSize)
	if err != nil {
		logger.Fatal().Err(err).Str("chunk_size", opts.ChunkSize).Msg("invalid chunk size")
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to open file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to stat file")
	}

	client, err := uploader.New(uploader.Config{
		Endpoint:    opts.Endpoint,
		Threshold:   int64(threshold),
		ChunkSize:   int64(chunkSize),
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		Concurrency: opts.Concurrency,
		PartsPerSec: opts.PartsPerSec,
		AuthHeader:  opts.AuthHeader,
		Secret:      opts.Secret,
		Progress: func(completed, total int) {
			logger.Info().
				Int("completed", completed).
				Int("total", total).
				Msg("part uploaded")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create upload client")
	}

	logger.Info().
		Str("key", key).
		Str("size", humanize.IBytes(uint64(info.Size()))).
		Msg("Starting upload")

	start := time.Now()
	if _, err := client.Upload(cmd.Context(), key, f, info.Size(), opts.ContentType); err != nil {
		logger.Fatal().Err(err).Str("key", key).Msg("upload failed")
	}

	elapsed := time.Since(start)
	logger.Info().
		Str("key", key).
		Str("size", humanize.IBytes(uint64(info.Size()))).
		Dur("elapsed", elapsed).
		Msg("Upload complete")
}

func loadUploadOpts(cmd *cobra.Command) UploadOpts {
	f := NewFlagLoader(cmd)

	return UploadOpts{
		Endpoint:    f.String("endpoint"),
		Threshold:   f.String("threshold"),
		ChunkSize:   f.String("chunk_size"),
		Concurrency: f.Int("concurrency"),
		MaxAttempts: f.Int("max_attempts"),
		BackoffBase: f.Duration("backoff_base"),
		PartsPerSec: f.Float64("parts_per_sec"),
		AuthHeader:  f.String("auth_header"),
		Secret:      f.String("secret"),
		ContentType: f.String("content_type"),
	}
}
