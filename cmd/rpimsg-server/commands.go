package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
	"github.com/kabili207/rpi-messages-go/server/repository"
)

func seedCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store the sample conversation for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := protocol.ParseDeviceID(device)
			if err != nil {
				return err
			}
			repo, err := openRepository(cfg.Storage)
			if err != nil {
				return err
			}
			defer repo.Close()

			ids, err := repository.Seed(cmd.Context(), repo, id, cfg.Messages.Lifetime)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %v for %s\n", ids, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", repository.SampleDeviceID.String(), "receiving device id (hex)")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		device    string
		lifetime  time.Duration
		imagePath string
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Store a text or image message for a device",
		Example: `  rpimsg-server send --device 0xcafebabe "Dinner is ready"
  rpimsg-server send --device 0xcafebabe --image cat.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := protocol.ParseDeviceID(device)
			if err != nil {
				return err
			}
			if lifetime == 0 {
				lifetime = cfg.Messages.Lifetime
			}
			meta := message.Meta{ReceiverID: id, Lifetime: lifetime}
			if err := meta.Validate(); err != nil {
				return err
			}

			var contents []message.Content
			switch {
			case imagePath != "" && len(args) > 0:
				return fmt.Errorf("give either text or --image, not both")
			case imagePath != "":
				f, err := os.Open(imagePath)
				if err != nil {
					return err
				}
				c, err := message.DecodeImage(f)
				f.Close()
				if err != nil {
					return err
				}
				contents = []message.Content{c}
			case len(args) > 0:
				contents, err = message.SplitText(strings.Join(args, " "))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("nothing to send")
			}

			repo, err := openRepository(cfg.Storage)
			if err != nil {
				return err
			}
			defer repo.Close()

			for _, c := range contents {
				mid, err := repo.AddMessage(cmd.Context(), message.Insert{Meta: meta, Sender: message.SenderCLI, Content: c})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored message %s (%s) for %s\n", mid, c.Kind, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", repository.SampleDeviceID.String(), "receiving device id (hex)")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "how long the message stays on screen (default messages.lifetime)")
	cmd.Flags().StringVar(&imagePath, "image", "", "PNG, JPEG or GIF file, or a raw RGB565 frame")
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cfg.Storage)
			if err != nil {
				return err
			}
			defer repo.Close()

			devices, err := repo.Devices(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDED")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.AddedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <id> <name>",
		Short: "Register or rename a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := protocol.ParseDeviceID(args[0])
			if err != nil {
				return err
			}
			repo, err := openRepository(cfg.Storage)
			if err != nil {
				return err
			}
			defer repo.Close()

			return repo.AddDevice(cmd.Context(), message.Device{ID: id, Name: args[1], AddedAt: time.Now()})
		},
	})
	return cmd
}
