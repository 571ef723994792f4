package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	traceLevel bool
	infoLevel  bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "wundergate",
	Short: "Sensor gateway between a BLE central and a frame-slot link master",
	Long: `Wundergate bridges wireless sensor boards to a host over a half-duplex
frame link. Each sensor board is a client with its own outbound slot; the
onboard central and the response channel have one slot each.

  run      start the gateway
  monitor  follow the frame trace of a running gateway`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func setupLogging() error {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	switch {
	case traceLevel:
		log.SetLevel(log.TraceLevel)
	case infoLevel:
		log.SetLevel(log.InfoLevel)
	case logLevel != "":
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		log.SetLevel(level)
	default:
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.PersistentFlags().BoolVarP(&traceLevel, "verbose", "v", false, "verbose off by default, TraceLevel")
	rootCmd.PersistentFlags().BoolVarP(&infoLevel, "quiet", "q", false, "quiet off by default, InfoLevel")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
}
