package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/mesh"
	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

var (
	flagRelayURL    string
	flagDownloadDir string
	flagName        string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join the mesh from this terminal",
	Long: `Join the mesh through a relay. Every other participant gets a direct
WebRTC connection; lines typed on stdin are sent as chat messages.

Examples:
  meshlink peer
  meshlink peer --relay wss://relay.example --name alice
  meshlink peer --download-dir ~/Downloads/meshlink`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Options{
			RelayURL:    flagRelayURL,
			DownloadDir: flagDownloadDir,
			Name:        flagName,
		})
		if err != nil {
			return err
		}
		return runPeer(cfg, os.Stdin)
	},
}

func init() {
	peerCmd.Flags().StringVar(&flagRelayURL, "relay", "", "Relay URL (default "+config.DefaultRelayURL+")")
	peerCmd.Flags().StringVar(&flagDownloadDir, "download-dir", "", "Directory for received files (default "+config.DefaultDownloadDir+")")
	peerCmd.Flags().StringVar(&flagName, "name", "", "Name shown to other peers")
}

func runPeer(cfg *config.Config, in io.Reader) error {
	// Root context, cancelled on Ctrl+C, relay loss or end of input.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := signaling.Dial(ctx, cfg.Peer.RelayURL)
	if err != nil {
		return err
	}
	defer client.Close()
	util.LogSuccess("connected to relay %s", cfg.Peer.RelayURL)

	factory := transport.NewFactory(transport.Config{
		ICEServers:     config.WebRTCServers(cfg.Peer.ICEServers),
		MaxMessageSize: cfg.Peer.MaxMessageSize,
	})
	registry := mesh.New(factory, client)

	con := newConsole(registry, os.Stdout, cfg.Peer.Name, cfg.Peer.DownloadDir)
	registry.Subscribe(con.onEvent)
	go registry.Run(ctx)

	go func() {
		err := client.Watch(registry.HandleJoined, registry.HandleSignal)
		if err != nil && ctx.Err() == nil {
			util.LogError("lost connection to relay: %v", err)
		}
		stop()
	}()

	go func() {
		readLines(in, con)
		stop()
	}()

	util.StartStatsReporter(ctx)
	util.LogInfo("type /help for commands")

	<-ctx.Done()
	client.Close()
	<-registry.Done()

	util.LogInfo("left the mesh")
	return nil
}

// readLines feeds input to the console until EOF.
func readLines(in io.Reader, con *console) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := con.handle(scanner.Text()); err != nil {
			util.LogWarning("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		util.LogError("%v", fmt.Errorf("read input: %w", err))
	}
}
