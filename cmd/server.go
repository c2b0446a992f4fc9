// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/debug"
	"github.com/LeeDigitalWorks/romvault/pkg/env"
	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/store"
	"github.com/LeeDigitalWorks/romvault/pkg/types"
	"github.com/LeeDigitalWorks/romvault/pkg/utils"
	"github.com/LeeDigitalWorks/romvault/pkg/vault"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerOpts holds all configuration for the vault server
type ServerOpts struct {
	BindAddr  string // Address to bind to (e.g., "0.0.0.0:8080" or ":8080")
	DebugAddr string // Debug/metrics HTTP address

	// Storage backend selection; named section under [backends.*]
	Backend string

	// Shared-secret gate
	RequireAuth bool
	AuthHeader  string
	Secret      string

	MaxListKeys int
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the vault upload proxy",
	Long: `Start the RomVault upload proxy that fronts an object store.
It exposes single-shot object PUT/GET/DELETE plus the multipart
create/part/complete/abort protocol under /mpu/.`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()

	f.String("bind_addr", "0.0.0.0:8080", "Address to bind the proxy HTTP server (host:port)")
	f.String("debug_addr", "0.0.0.0:8090", "Debug/metrics HTTP address (metrics, pprof, health)")

	f.String("backend", "", "Backend id from the [backends.*] config section (empty = in-memory)")

	f.Bool("require_auth", false, "Require the shared upload secret on every request")
	f.String("auth_header", vault.DefaultAuthHeader, "Header carrying the shared upload secret")
	f.String("secret", "", "Shared upload secret (prefer SECRET env or config over the flag)")

	f.Int("max_list_keys", 1000, "Maximum keys returned by a listing request")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	opts := loadServerOpts(cmd)

	debug.SetNotReady()

	objStore := openBackend(opts.Backend)
	defer objStore.Close()

	srv, err := vault.NewServer(vault.Config{
		Store:       objStore,
		RequireAuth: opts.RequireAuth,
		AuthHeader:  opts.AuthHeader,
		Secret:      opts.Secret,
		MaxListKeys: opts.MaxListKeys,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create vault server")
	}

	if err := srv.RegisterMetrics(debug.Registry()); err != nil {
		logger.Fatal().Err(err).Msg("failed to register vault metrics")
	}

	if !opts.RequireAuth && env.IsProduction() {
		logger.Warn().Msg("Running in production without the shared upload secret")
	}

	logger.Info().
		Str("bind_addr", opts.BindAddr).
		Str("backend", string(objStore.Type())).
		Bool("require_auth", opts.RequireAuth).
		Msg("Vault server configuration")

	httpServer := startHTTPServer(srv, opts.BindAddr)
	debugServer := startHTTPServer(debug.GetMux(), opts.DebugAddr)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	debugServer.Shutdown(shutdownCtx)
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	return ServerOpts{
		BindAddr:    f.String("bind_addr"),
		DebugAddr:   f.String("debug_addr"),
		Backend:     f.String("backend"),
		RequireAuth: f.Bool("require_auth"),
		AuthHeader:  f.String("auth_header"),
		Secret:      f.String("secret"),
		MaxListKeys: f.Int("max_list_keys"),
	}
}

// openBackend builds the object store named by id from the [backends.*]
// config section. An empty id falls back to the in-memory store so the
// proxy can run without any configuration.
func openBackend(id string) store.ObjectStore {
	if id == "" {
		logger.Warn().Msg("No backend configured - using in-memory store (data is not persisted)")
		objStore, err := store.New(types.BackendConfig{Type: types.StorageTypeMemory})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create in-memory backend")
		}
		return objStore
	}

	cfg := loadBackendConfig(id)
	objStore, err := store.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend_id", id).Msg("failed to create backend")
	}

	logger.Info().
		Str("backend_id", id).
		Str("type", string(cfg.Type)).
		Str("path", cfg.Path).
		Msg("Configured storage backend")
	return objStore
}

func loadBackendConfig(id string) types.BackendConfig {
	prefix := "backends." + id + "."

	typeStr := viper.GetString(prefix + "type")
	storageType := types.StorageType(typeStr)
	if storageType == "" {
		storageType = types.StorageTypeLocal
	}

	return types.BackendConfig{
		Type:      storageType,
		Path:      viper.GetString(prefix + "path"),
		Endpoint:  viper.GetString(prefix + "endpoint"),
		Bucket:    viper.GetString(prefix + "bucket"),
		Region:    viper.GetString(prefix + "region"),
		AccessKey: viper.GetString(prefix + "access_key"),
		SecretKey: viper.GetString(prefix + "secret_key"),
	}
}

func startHTTPServer(handler http.Handler, addr string) *http.Server {
	listener, err := utils.NewListener(addr, 0)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGALRM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
