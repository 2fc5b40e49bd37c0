package main

import (
	"context"
	"fmt"
	"os"

	"github.com/netsoc/instanced/pkg/routing"
	"github.com/netsoc/instanced/pkg/validator"
	"github.com/spf13/cobra"
)

var routingConfigCmd = &cobra.Command{
	Use:   "routing-config",
	Short: "Render the Traefik-shaped routing document for the current cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		mgr, err := newManager(cfg)
		if err != nil {
			return err
		}

		instances, err := mgr.ReadInstances(context.Background(), true)
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}

		v := validator.New(cfg.Domain, cfg.Cluster)
		doc, remarks := routing.Build(instances, v, cfg.Ports, cfg.Cluster)
		for _, r := range remarks {
			fmt.Fprintf(os.Stderr, "warning: %s\n", r)
		}

		out, err := routing.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal routing document: %w", err)
		}

		outPath, _ := cmd.Flags().GetString("out")
		if outPath == "" || outPath == "-" {
			fmt.Print(string(out))
			return nil
		}
		return os.WriteFile(outPath, out, 0644)
	},
}

func init() {
	routingConfigCmd.Flags().StringP("out", "o", "-", "Output path, or - for stdout")
}
