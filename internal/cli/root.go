package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sigclient "github.com/refractionPOINT/go-sigclient"
)

// Version is stamped at build time.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Endpoints  []string
	Codec      string
	DeviceID   string
	Verbose    bool
}

// NewRootCommand creates the root command for the sigclient CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sigclient",
		Short: "Reliable realtime signaling client",
		Long:  "Connects to a signaling endpoint, sends acknowledged frames and follows write receipts.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML options file")
	cmd.PersistentFlags().StringArrayVarP(&opts.Endpoints, "endpoint", "e", nil, "endpoint URL (repeatable, overrides the config file)")
	cmd.PersistentFlags().StringVar(&opts.Codec, "codec", "", "frame codec (json|msgpack)")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device-id", "", "device identity")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// clientOptions loads the config file and applies flag overrides.
func (o *RootOptions) clientOptions() (*sigclient.ClientOptions, error) {
	co := sigclient.Defaults()
	if o.ConfigPath != "" {
		loaded, err := sigclient.LoadOptions(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		co = *loaded
	}
	if len(o.Endpoints) > 0 {
		co.Endpoints = o.Endpoints
	}
	if o.Codec != "" {
		co.Codec = o.Codec
	}
	if o.DeviceID != "" {
		co.Identity.DeviceID = o.DeviceID
	}
	if co.ClientVersion == "" {
		co.ClientVersion = "sigclient-cli/" + Version
	}
	return &co, nil
}

func (o *RootOptions) logger() (*zap.Logger, error) {
	if o.Verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newClient builds a connected-ready client from the global flags.
func (o *RootOptions) newClient() (*sigclient.Client, *zap.Logger, error) {
	co, err := o.clientOptions()
	if err != nil {
		return nil, nil, err
	}
	log, err := o.logger()
	if err != nil {
		return nil, nil, err
	}
	co.Logger = log
	c, err := sigclient.NewClient(*co)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid options: %w", err)
	}
	return c, log, nil
}

// NewVersionCommand prints the CLI version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
