package main

import (
	"fmt"
	"os"

	"github.com/netsoc/instanced/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "instanced-ctl",
	Short: "Operator CLI for the instanced orchestration engine",
	Long: `instanced-ctl drives the instance lifecycle manager directly: create,
list, start, stop and delete hypervisor-backed instances, reset root
credentials, mark activity, and render the cluster's Traefik routing
document. It holds no state of its own — every command reads the live
hypervisor cluster through the same config file the engine process uses.`,
	Version: fmt.Sprintf("%s (%s)", Version, Commit),
}

func init() {
	rootCmd.PersistentFlags().String("config", "/etc/instanced/config.yaml", "Path to the engine config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resetRootCmd)
	rootCmd.AddCommand(markActiveCmd)
	rootCmd.AddCommand(routingConfigCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}
