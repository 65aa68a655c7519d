// Command openendpoints3 runs a single-node, S3-wire-compatible object
// storage server: SigV4 request authentication, SQL-backed bucket/object
// metadata, a content-addressed filesystem blob store, and a background
// lifecycle janitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/api"
	"github.com/openendpoint/openendpoints3/internal/audit"
	"github.com/openendpoint/openendpoints3/internal/auth"
	"github.com/openendpoint/openendpoints3/internal/config"
	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/events"
	"github.com/openendpoint/openendpoints3/internal/lifecycle"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/metadata/sqlstore"
	"github.com/openendpoint/openendpoints3/internal/middleware"
	"github.com/openendpoint/openendpoints3/internal/storage/blobstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "openendpoints3",
		Short:         "A single-node, S3-wire-compatible object storage server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			bindFlags(cmd, cfg)
			cfg.SetDefaults()
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to a config file (YAML/JSON/TOML)")
	cmd.Flags().String("hostname", "", "listen host (default 127.0.0.1)")
	cmd.Flags().Int("port", 0, "listen port (default 8080)")
	cmd.Flags().String("storage", "", "data directory for metadata and blobs (default ./data)")
	cmd.Flags().String("access-key", "", "root SigV4 access key (default $AWS_ACCESS_KEY_ID)")
	cmd.Flags().String("secret-key", "", "root SigV4 secret key (default $AWS_SECRET_ACCESS_KEY)")
	cmd.Flags().String("log-level", "", "debug, info, warn, or error")

	return cmd
}

// bindFlags overlays any explicitly-set CLI flags onto the config loaded
// from file/env/defaults, matching the precedence viper itself uses
// elsewhere in the module (flag > env > file > default).
func bindFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("hostname"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("access-key"); v != "" {
		cfg.Auth.AccessKey = v
	}
	if v, _ := cmd.Flags().GetString("secret-key"); v != "" {
		cfg.Auth.SecretKey = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
}

func run(cfg *config.Config) error {
	zapCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level
	baseLogger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer baseLogger.Sync()
	log := baseLogger.Sugar()

	dataDir := cfg.GetDataDir()
	metaPath := filepath.Join(dataDir, "metadata.sqlite")
	blobsDir := filepath.Join(dataDir, "blobs")
	mpuDir := filepath.Join(dataDir, "multipart")

	meta, err := sqlstore.Open(metaPath, baseLogger)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	blobs, err := blobstore.New(blobsDir, baseLogger)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	if err := seedRootUser(meta, cfg.Auth); err != nil {
		return fmt.Errorf("seed root credential: %w", err)
	}

	auditLogger, err := audit.NewLogger(baseLogger, audit.Config{
		Enabled:    true,
		Path:       filepath.Join(dataDir, "audit"),
		MaxSize:    100 * 1024 * 1024,
		MaxBackups: 10,
	})
	if err != nil {
		return fmt.Errorf("open audit logger: %w", err)
	}
	defer auditLogger.Close()

	eventManager := events.NewManager()

	eng := engine.New(meta, blobs, mpuDir, log, events.NewSink(eventManager), audit.NewSink(auditLogger), cfg.Storage.MaxObjectSize)

	verifier := auth.New(meta)
	router := api.NewRouter(eng, verifier, log)

	janitor := lifecycle.NewProcessor(eng, time.Duration(cfg.Lifecycle.SweepInterval)*time.Second, log)
	janitor.Start()
	defer janitor.Stop()

	handler := middleware.Common(log)(router)
	srv := &http.Server{
		Addr:         cfg.GetAddr(),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", srv.Addr, "dataDir", dataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// seedRootUser ensures the configured root access/secret key pair exists
// in the metadata store, so auth.Verifier's CredentialLookup resolves it.
func seedRootUser(meta metadata.Store, a config.AuthConfig) error {
	ctx := context.Background()
	existing, err := meta.GetUser(ctx, a.AccessKey)
	if err == nil && existing != nil && existing.SecretKey == a.SecretKey {
		return nil
	}
	return meta.PutUser(ctx, &metadata.User{
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Username:  "root",
	})
}
