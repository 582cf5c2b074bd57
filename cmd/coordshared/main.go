package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/orsondmc/coordshare/internal/cipher"
	"github.com/orsondmc/coordshare/internal/groups"
	"github.com/orsondmc/coordshare/internal/platform"
	"github.com/orsondmc/coordshare/internal/profile"
	"github.com/orsondmc/coordshare/internal/server"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "coordshared",
		Short: "Game coordination relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config (defaults apply when omitted)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := server.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = server.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "coordshare.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	keys, err := openKeys(cfg, log)
	if err != nil {
		return err
	}

	profiles, err := profile.NewBoltStore(db)
	if err != nil {
		return err
	}
	groupStore, err := groups.NewBoltStore(db)
	if err != nil {
		return err
	}

	var verifier platform.SessionVerifier
	switch cfg.Verifier {
	case "mojang":
		verifier = platform.NewMojangVerifier()
	default:
		verifier = platform.NoneVerifier{}
	}
	log.Info().Str("verifier", verifier.Name()).Msg("platform verification")

	registry := server.NewRegistry()
	service := groups.NewService(groupStore, keys.Identity(), registry, log)

	var tracker *groups.ProximityTracker
	if cfg.ProximityRadius > 0 {
		tracker = groups.NewProximityTracker(cfg.ProximityRadius)
		log.Info().Float64("radius", cfg.ProximityRadius).Msg("proximity groups enabled")
	}

	dispatcher := server.NewDispatcher(keys, registry, profiles, verifier, cfg.BaseURL, log)
	dispatcher.AddHandler(server.NewGroupsHandler(service, tracker, registry, log))

	srv := server.NewServer(dispatcher, registry, profiles, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, cfg.Bind); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// openKeys loads the relay identity, generating one on first start.
func openKeys(cfg server.Config, log zerolog.Logger) (*cipher.Store, error) {
	keys := cipher.NewStore(filepath.Join(cfg.DataDir, "keys"), cfg.Passphrase)
	if err := keys.Load(); err != nil {
		if !errors.Is(err, cipher.ErrNoIdentity) {
			return nil, err
		}
		id, err := keys.Generate(uuid.New(), 1)
		if err != nil {
			return nil, err
		}
		log.Info().Stringer("identity", id).Msg("generated relay identity")
	}
	return keys, nil
}
