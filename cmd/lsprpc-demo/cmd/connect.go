package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gopherlsp/lsprpc/pkg/session"
	"github.com/gopherlsp/lsprpc/pkg/transport"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

var connectAddr string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a demo client to a running demo server and ping it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		addr := connectAddr
		if !cmd.Flags().Changed("addr") {
			addr = fmt.Sprintf("%s:%d", cfg.Transport.TCPHost, cfg.Transport.TCPPort)
		}
		policy := transport.ReconnectPolicy{
			Initial:    cfg.Transport.ReconnectInitial,
			Max:        cfg.Transport.ReconnectMax,
			Multiplier: cfg.Transport.ReconnectMultiplier,
			MaxRetries: cfg.Transport.ReconnectMaxRetries,
		}

		tp := transport.NewTCPClient(addr, policy, logger)
		if err := tp.Start(); err != nil {
			return err
		}
		defer tp.Close()

		client := session.NewClient(session.ClientOptions{
			Logger:     logger,
			ClientInfo: &wire.ClientInfo{Name: "lsprpc-demo", Version: "dev"},
			Validator:  newValidator(),
			Metrics:    newMetrics(),
			Tracer:     newTracer("lsprpc-demo-client"),
		})

		result, err := client.Connect(ctx, tp, nil)
		if err != nil {
			return err
		}
		logger.Printf("initialized against %s: declared capabilities %v", addr, result.Capabilities.Declared)

		out, err := client.SendRequest(ctx, "demo/ping", nil, nil)
		if err != nil {
			return err
		}
		logger.Printf("demo/ping -> %s", out)

		return client.Disconnect(ctx)
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectAddr, "addr", "127.0.0.1:7777", "server address to connect to")
	rootCmd.AddCommand(connectCmd)
}
