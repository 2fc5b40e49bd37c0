package main

import (
	"context"
	"fmt"

	"github.com/netsoc/instanced/pkg/lifecycle"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create HOSTNAME",
	Short: "Create a new instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		mgr, err := newManager(cfg)
		if err != nil {
			return err
		}

		kindFlag, _ := cmd.Flags().GetString("kind")
		kind := types.KindContainer
		if kindFlag == "vm" {
			kind = types.KindVM
		}

		account, _ := cmd.Flags().GetString("account")
		image, _ := cmd.Flags().GetString("image")
		detail, _ := cmd.Flags().GetString("request-detail")

		inst, err := mgr.Create(context.Background(), lifecycle.CreateRequest{
			Kind:          kind,
			Account:       account,
			Hostname:      args[0],
			ImageID:       image,
			RequestDetail: detail,
		})
		if err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		fmt.Printf("Created %s\n", inst.FQDN)
		fmt.Printf("  Node: %s\n", inst.Node)
		fmt.Printf("  ID: %d\n", inst.ID)
		fmt.Printf("  Address: %s\n", inst.Metadata.Network.NICAllocation.PrimaryIP())
		return nil
	},
}

func init() {
	createCmd.Flags().String("kind", "container", "Instance kind: container or vm")
	createCmd.Flags().String("account", "", "Owning account (required)")
	createCmd.Flags().String("image", "", "Catalogue image id (required)")
	createCmd.Flags().String("request-detail", "", "Free-form note recorded in metadata")
	_ = createCmd.MarkFlagRequired("account")
	_ = createCmd.MarkFlagRequired("image")
}
