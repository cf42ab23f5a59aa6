package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/adeita/vichat/internal/config"
)

type options struct {
	profilePath string

	server     string
	name       string
	codec      string
	connection string
	logLevel   string
	portMin    uint16
	portMax    uint16
	maxRetries int
	grace      time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "vichat-peer [room]",
		Short: "Join a vichat room from the terminal",
		Long: `vichat-peer joins a room on a vichat signaling server and keeps a WebRTC
session with every other member. Lines typed on stdin are sent as chat.

Commands:
  /name <name>   announce a display name
  /join [room]   move to another room (empty creates a new one)
  /leave         leave the current room
  /peers         list peer session states

Examples:
  vichat-peer R1
  vichat-peer --server wss://chat.example.com/ws --name alice R1
  vichat-peer --profile ~/.vichat.yaml --connection relay`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(opts, cmd.Flags(), args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, profile, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.SetContext(context.Background())

	bindFlags(cmd.Flags(), &opts)
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.StringVarP(&opts.profilePath, "profile", "p", "", "YAML client profile")
	f.StringVarP(&opts.server, "server", "s", config.DefaultClientServer, "Signaling server WebSocket URL")
	f.StringVarP(&opts.name, "name", "n", "", "Display name to announce after joining")
	f.StringVar(&opts.codec, "codec", "json", "Signaling codec (json, msgpack)")
	f.StringVarP(&opts.connection, "connection", "c", string(config.ConnectionAll), "ICE candidates to use (all, direct, relay)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.Uint16Var(&opts.portMin, "udp-port-min", 0, "Lowest local UDP port for ICE (0 = ephemeral)")
	f.Uint16Var(&opts.portMax, "udp-port-max", 0, "Highest local UDP port for ICE (0 = ephemeral)")
	f.IntVar(&opts.maxRetries, "max-retries", config.DefaultMaxRetries, "Reconnection attempts before a peer session is dropped")
	f.DurationVar(&opts.grace, "disconnect-grace", config.DefaultDisconnectGrace, "How long a disconnected peer may recover on its own")
}

// resolveProfile loads the profile file, if any, and lets explicitly set
// flags override it.
func resolveProfile(opts options, flags *pflag.FlagSet, args []string) (config.ClientProfile, error) {
	profile := config.DefaultClientProfile()
	if opts.profilePath != "" {
		p, err := config.LoadClientProfile(opts.profilePath)
		if err != nil {
			return config.ClientProfile{}, err
		}
		profile = p
	}

	if flags.Changed("server") {
		profile.Server = opts.server
	}
	if flags.Changed("name") {
		profile.Name = opts.name
	}
	if flags.Changed("codec") {
		profile.Codec = opts.codec
	}
	if flags.Changed("connection") {
		profile.Connection = config.ConnectionType(opts.connection)
	}
	if flags.Changed("log-level") {
		profile.LogLevel = opts.logLevel
	}
	if flags.Changed("udp-port-min") {
		profile.UDPPortMin = opts.portMin
	}
	if flags.Changed("udp-port-max") {
		profile.UDPPortMax = opts.portMax
	}
	if flags.Changed("max-retries") {
		profile.MaxRetries = opts.maxRetries
	}
	if flags.Changed("disconnect-grace") {
		profile.DisconnectGrace = opts.grace
	}
	if len(args) == 1 {
		profile.Room = args[0]
	}

	if err := profile.Validate(); err != nil {
		return config.ClientProfile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return profile, nil
}
