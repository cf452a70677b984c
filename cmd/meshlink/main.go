// Meshlink CLI entry point.
//
// "meshlink relay" runs the signaling relay that introduces peers to each
// other. "meshlink peer" joins the mesh from a terminal: every other peer
// the relay knows about gets a direct WebRTC connection, and lines typed on
// stdin are broadcast as chat messages.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/util"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:     "meshlink",
	Short:   "Full-mesh WebRTC peers introduced by a small WebSocket relay",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (env "+config.EnvConfig+")")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(relayCmd, peerCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration and applies the logging settings.
func loadConfig(opts config.Options) (*config.Config, error) {
	opts.ConfigPath = flagConfig
	opts.Debug = flagDebug

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Printfln("Meshlink — v%s", version)
	pterm.Println()
	return cfg, nil
}
