/*
main.go - kvtxctl entry point

PURPOSE:
  A thin operator CLI over the storage kernel: point it at a config
  file, name a configured provider, and get/put/rm/ls keys against
  whichever backend that provider resolves to. Also exposes a "serve"
  subcommand that mounts the Prometheus /metrics endpoint for scraping
  a long-running provider instance.

GROUNDING:
  Command tree shape (rootCmd + cobra.OnInitialize(initLogging) +
  persistent flags for log level/format) follows cmd/warren/main.go in
  the pack. The HTTP router in serve.go follows the teacher's
  api/server.go chi+cors+middleware stack.
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/kvtx/kv/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvtxctl",
	Short: "kvtxctl - inspect and operate a kvtx storage provider",
	Long: `kvtxctl is an operator CLI for the kvtx transactional
key-value kernel. Point it at a persistence config file and a named
provider to read, write, and enumerate keys, or run "serve" to expose
Prometheus metrics for a long-lived instance.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "kvtx.yaml", "path to the persistence config file")
	rootCmd.PersistentFlags().String("provider", "", "named provider to operate on (defaults to the config's defaultProvider)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
