package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sigclient "github.com/refractionPOINT/go-sigclient"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Timeout time.Duration
	Write   bool
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <frame-type> [json-payload]",
		Short: "Send one acknowledged frame",
		Long: `Send one acknowledged frame and print the acknowledgement.

With --write the frame is submitted as an application write and the
acceptance is printed instead.

Example:
  sigclient send ROOM_JOIN '{"room":"lobby"}' -e wss://signal.example.com/ws`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}
			return sendFrame(opts, args[0], payload, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall timeout")
	cmd.Flags().BoolVar(&opts.Write, "write", false, "submit as an application write")

	return cmd
}

func sendFrame(opts *SendOptions, frameType, payload string, cmd *cobra.Command) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("invalid JSON payload: %s", payload)
	}
	c, log, err := opts.newClient()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var out interface{}
	if opts.Write {
		acc, err := c.SubmitWrite(ctx, sigclient.WriteRequest{Type: frameType, Payload: json.RawMessage(payload)})
		if err != nil {
			return err
		}
		out = acc
	} else {
		ack, err := c.SendAcknowledged(ctx, frameType, json.RawMessage(payload), 0)
		if err != nil {
			return err
		}
		out = ack
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
