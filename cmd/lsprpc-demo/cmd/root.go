// Package cmd provides the CLI commands for lsprpc-demo.
package cmd

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gopherlsp/lsprpc/pkg/rpcconfig"
	"github.com/gopherlsp/lsprpc/pkg/telemetry"
	"github.com/gopherlsp/lsprpc/pkg/validate"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

var (
	// verbose enables verbose logging across every subcommand.
	verbose bool

	// configPath overrides rpcconfig's discovery of lsprpc.toml/.yaml/.json.
	configPath string

	// logger is shared by every subcommand's session/transport wiring.
	logger *log.Logger

	// cfg is loaded once per invocation from configPath (or discovered),
	// merged over rpcconfig.Default, env-overridden, and consulted by
	// every subcommand for transport defaults and the validation/
	// telemetry toggles.
	cfg *rpcconfig.Config
)

var rootCmd = &cobra.Command{
	Use:   "lsprpc-demo",
	Short: "Manual test harness for the lsprpc runtime",
	Long: `lsprpc-demo wires a transport to a client or server session so the
bidirectional JSON-RPC runtime can be exercised by hand.

Example usage:
  lsprpc-demo serve --addr :7777     # run a demo server over TCP
  lsprpc-demo connect --addr :7777   # connect a demo client to it
  lsprpc-demo stdio                  # run a demo server over stdio`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		flags := log.LstdFlags
		if verbose {
			flags |= log.Lshortfile
		}
		logger = log.New(os.Stderr, "[lsprpc-demo] ", flags)

		loaded, err := rpcconfig.Load(configPath)
		if err != nil {
			logger.Printf("config: %v, falling back to defaults", err)
			loaded = rpcconfig.Default()
		}
		cfg = loaded
		if cfg.Transport.ReadBufferBytes > 0 {
			wire.DefaultReadBufferSize = cfg.Transport.ReadBufferBytes
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to lsprpc.toml/.yaml/.json (default: discovered in the working directory)")
}

// newValidator returns a Validator honoring cfg.Validation's enable
// list, or nil when validation is disabled entirely.
func newValidator() *validate.Validator {
	if !cfg.Validation.Enabled {
		return nil
	}
	v := validate.New()
	for _, m := range cfg.Validation.ForceOnFor {
		v.EnableFor(m)
	}
	for _, m := range cfg.Validation.ForceOffFor {
		v.DisableFor(m)
	}
	return v
}

// newMetrics returns Metrics registered against a fresh registry, or nil
// when cfg.Telemetry.MetricsEnabled is false.
func newMetrics() *telemetry.Metrics {
	if !cfg.Telemetry.MetricsEnabled {
		return nil
	}
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

// newTracer returns a Tracer exporting spans to stderr, or nil when
// cfg.Telemetry.TracingEnabled is false.
func newTracer(serviceName string) *telemetry.Tracer {
	if !cfg.Telemetry.TracingEnabled {
		return nil
	}
	t, err := telemetry.NewTracer(os.Stderr, serviceName)
	if err != nil {
		logger.Printf("telemetry: tracer init failed: %v", err)
		return nil
	}
	return t
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
