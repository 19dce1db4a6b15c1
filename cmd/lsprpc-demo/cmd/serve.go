package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gopherlsp/lsprpc/pkg/cancel"
	"github.com/gopherlsp/lsprpc/pkg/session"
	"github.com/gopherlsp/lsprpc/pkg/transport"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo server accepting one TCP connection at a time",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serveAddr
		if !cmd.Flags().Changed("addr") {
			addr = fmt.Sprintf("%s:%d", cfg.Transport.TCPHost, cfg.Transport.TCPPort)
		}

		srv, err := transport.NewTCPServer(addr, logger, func(tp transport.Transport) {
			go runServerSession(cmd.Context(), tp)
		})
		if err != nil {
			return err
		}
		srv.OnRejected(func(err error) {
			logger.Printf("rejected second peer: %v", err)
		})
		defer srv.Close()
		logger.Printf("listening on %s", srv.Addr())
		return srv.Serve()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:7777", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServerSession(ctx context.Context, tp transport.Transport) {
	srv := session.NewServer(session.ServerOptions{
		Logger:     logger,
		ServerInfo: &wire.ServerInfo{Name: "lsprpc-demo", Version: "dev"},
		Validator:  newValidator(),
		Metrics:    newMetrics(),
		Tracer:     newTracer("lsprpc-demo-server"),
	})
	srv.SetCapabilities(map[string]interface{}{
		"pingProvider": true,
	})

	if _, err := srv.OnRequest("demo/ping", handlePing); err != nil {
		logger.Printf("register demo/ping: %v", err)
		return
	}
	if _, err := srv.OnNotification("textDocument/didOpen", handleDidOpen); err != nil {
		logger.Printf("register textDocument/didOpen: %v", err)
		return
	}

	if err := srv.Listen(ctx, tp); err != nil {
		logger.Printf("listen: %v", err)
		return
	}
	logger.Printf("client initialized")
}

func handlePing(ctx context.Context, token *cancel.Token, params json.RawMessage) (interface{}, error) {
	return map[string]string{"message": "pong"}, nil
}

func handleDidOpen(ctx context.Context, params json.RawMessage) {
	logger.Printf("textDocument/didOpen: %s", params)
}
