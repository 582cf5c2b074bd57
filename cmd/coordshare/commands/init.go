package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orsondmc/coordshare/internal/cipher"
)

func initCmd() *cobra.Command {
	var profileFlag string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			profile := uuid.New()
			if profileFlag != "" {
				var err error
				profile, err = uuid.Parse(profileFlag)
				if err != nil {
					return fmt.Errorf("invalid profile id: %w", err)
				}
			}
			// Device 0 means "not yet registered"; the relay assigns the
			// real id during device registration.
			id, err := keys.Generate(profile, 0)
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nProfile: %s\nFingerprint: %s\n",
				id.Profile, cipher.Fingerprint(id.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&profileFlag, "profile", "", "existing profile id (default: generate one)")
	return cmd
}
