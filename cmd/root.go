// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/clawgate/internal/gateway"
)

var cfgFile string
var debugMode bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "ClawGate is the network gateway for the OpenClaw compute marketplace",
	Long: `The gateway that firewall-constrained GPU providers dial into to
offer generation workflows, and that consumers pay to run them.
Providers connect outbound over websocket; the gateway routes jobs onto
those connections and keeps the authoritative wallet ledger.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig builds the gateway config from env defaults plus an
// optional yaml file and flags.
func loadConfig() (*gateway.Config, error) {
	cfg := gateway.DefaultConfig()
	if cfgFile != "" {
		if err := cfg.LoadFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if debugMode {
		cfg.Debug = true
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (settings default from CLAWGATE_* env vars)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}
