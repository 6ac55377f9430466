package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost - cooperative IO runtime for messaging backends",
	Long: `Roost is the runtime substrate of an instant-messaging backend:
cooperatively scheduled tasks over a fixed worker pool, an edge-triggered
epoll reactor, transparent interception of blocking socket calls, a
TCP/TLS connection framework, and a length-framed RPC transport.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Roost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      level,
		JSONOutput: jsonOut,
		Output:     os.Stdout,
	})
}
