package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every instance in the cluster",
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

		if len(instances) == 0 {
			fmt.Println("No instances found")
			return nil
		}

		fmt.Printf("%-45s %-10s %-15s %-10s %s\n", "FQDN", "KIND", "NODE", "STATUS", "ADDRESS")
		for _, inst := range instances {
			fmt.Printf("%-45s %-10s %-15s %-10s %s\n",
				inst.FQDN, inst.Kind, inst.Node, inst.Status, inst.Metadata.Network.NICAllocation.PrimaryIP())
			for _, remark := range inst.Remarks {
				fmt.Printf("  ! %s\n", remark)
			}
		}
		return nil
	},
}
