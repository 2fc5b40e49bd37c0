package main

import (
	"fmt"
	"net/http"

	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the Prometheus /metrics endpoint",
	Long: `Runs a long-lived process that exposes the counters and
histograms lifecycle operations, the allocator, the domain validator and
the routing builder record as they run via the other subcommands invoked
against the same engine deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		fmt.Printf("Serving metrics on http://%s/metrics\n", addr)
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	serveMetricsCmd.Flags().String("addr", "127.0.0.1:9090", "Address to serve /metrics on")
	rootCmd.AddCommand(serveMetricsCmd)
}
