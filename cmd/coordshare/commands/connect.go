package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orsondmc/coordshare/internal/client"
	"github.com/orsondmc/coordshare/internal/protocol"
)

func connectCmd() *cobra.Command {
	var (
		playerName   string
		playerServer string
		playerEntity int32
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the relay and stay online",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keys.Load(); err != nil {
				return err
			}
			session := protocol.PlatformSession{
				ID:     uuid.New(),
				Name:   playerName,
				Server: playerServer,
				Entity: playerEntity,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			events := client.Events{
				OnRegisterDevice: func(url, token string) {
					fmt.Printf("Register this device at:\n  %s\n", url)
				},
				OnDeviceRegistered: func(profile uuid.UUID, device int) {
					fmt.Printf("Device %d registered for profile %s\n", device, profile)
				},
				OnEstablished: func() {
					fmt.Println("Session established.")
				},
				OnGroupMessage: func(msg protocol.Message) {
					fmt.Printf("<- %s\n", msg.MessageType())
				},
				OnDisconnect: func(err error) {
					done <- err
				},
			}

			c := client.New(keys, session, events, log)
			if err := c.Connect(ctx, relayURL); err != nil {
				return err
			}
			defer c.Close()

			select {
			case <-ctx.Done():
				return nil
			case err := <-done:
				if err != nil {
					return fmt.Errorf("disconnected: %w", err)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&playerName, "name", "", "in-game player name")
	cmd.Flags().StringVar(&playerServer, "server", "", "game server address")
	cmd.Flags().Int32Var(&playerEntity, "entity", 0, "in-game entity id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}
