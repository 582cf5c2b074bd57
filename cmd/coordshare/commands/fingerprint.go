package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orsondmc/coordshare/internal/cipher"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keys.Load(); err != nil {
				return err
			}
			id := keys.Identity()
			fmt.Printf("Profile: %s\nDevice: %d\nFingerprint: %s\n",
				id.Profile, id.Device, cipher.Fingerprint(id.PublicKey))
			return nil
		},
	}
}
