package main

import (
	"context"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/util"
)

var flagListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay that assigns identities to connecting clients
and forwards their negotiation messages to each other.

Examples:
  meshlink relay
  meshlink relay --listen 127.0.0.1:9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Options{Listen: flagListen})
		if err != nil {
			return err
		}
		return runRelay(cfg)
	},
}

func init() {
	relayCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default "+config.DefaultListen+")")
}

func runRelay(cfg *config.Config) error {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	relay := signaling.NewRelay(cfg.Relay.AllowedOrigins)
	go relay.Run(ctx)

	router := signaling.NewRouter(relay, config.WebRTCServers(cfg.Relay.ICEServers))

	ready := make(chan net.Addr, 1)
	go func() {
		addr := <-ready
		util.LogSuccess("relay listening on %s (websocket endpoint /ws)", addr)
	}()

	util.StartStatsReporter(ctx)

	if err := signaling.ListenAndServe(ctx, cfg.Relay.Listen, router, ready); err != nil {
		return err
	}
	util.LogInfo("relay stopped")
	return nil
}
