package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orsondmc/coordshare/internal/cipher"
)

var (
	home       string
	passphrase string
	relayURL   string

	keys *cipher.Store
	log  zerolog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:   "coordshare",
		Short: "Game coordination relay client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".coordshare")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			keys = cipher.NewStore(home, passphrase)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.coordshare)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase to protect keys")
	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://127.0.0.1:3000/api/1/listen", "relay websocket URL")

	root.AddCommand(initCmd(), fingerprintCmd(), connectCmd())
	return root.Execute()
}
