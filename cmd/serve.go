// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/clawgate/internal/gateway"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Starts the gateway: the provider websocket channel, the consumer
HTTP API, the job router, and the wallet ledger. Runs until interrupted.`,
	Example: `  # Run with env-driven defaults
  clawgate serve

  # Run on a custom port with a config file
  clawgate serve --port 9000 --config /etc/clawgate.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}

		g, err := gateway.New(cfg)
		if err != nil {
			return fmt.Errorf("gateway setup: %w", err)
		}
		if err := g.Start(); err != nil {
			return err
		}

		color.Green("✓ ClawGate listening on %s:%d", cfg.Host, cfg.Port)
		fmt.Printf("  provider channel: ws://%s:%d/ws/provider\n", cfg.Host, cfg.Port)
		fmt.Printf("  consumer api:     http://%s:%d/api/v1\n", cfg.Host, cfg.Port)
		fmt.Printf("  data dir:         %s\n", cfg.DataDir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nshutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return g.Stop(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "Listen address")
	serveCmd.Flags().IntVar(&servePort, "port", 8190, "Listen port")
	rootCmd.AddCommand(serveCmd)
}
