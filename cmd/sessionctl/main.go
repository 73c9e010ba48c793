package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/whisper/session-index/internal/config"
	"github.com/whisper/session-index/internal/messaging"
	"github.com/whisper/session-index/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Inspect and revoke sessions through the session service",
	Long: `sessionctl talks to sessiond over NATS. Connection settings come from
the same environment variables as the service (NATS_URL, REQUEST_TIMEOUT).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("nats", "", "NATS URL (overrides NATS_URL)")

	rootCmd.AddCommand(lookupCmd, listCmd, unbindCmd, revokeCmd, countCmd, watchCmd)
}

// connect returns a NATS client and a service client built on it.
func connect(cmd *cobra.Command) (*messaging.NATSClient, *service.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	if u, _ := cmd.Flags().GetString("nats"); u != "" {
		natsConfig.URL = u
	}
	natsConfig.Name = "sessionctl"
	natsConfig.MaxReconnects = 0

	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return nil, nil, err
	}
	return nc, service.NewClient(nc, cfg.RequestTimeout), nil
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}
