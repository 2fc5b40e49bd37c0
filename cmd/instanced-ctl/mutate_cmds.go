package main

import (
	"context"
	"fmt"

	"github.com/netsoc/instanced/pkg/lifecycle"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/spf13/cobra"
)

func resolveTarget(cmd *cobra.Command, mgr *lifecycle.Manager, account, hostname string) (*types.Instance, error) {
	kindFlag, _ := cmd.Flags().GetString("kind")
	kind := types.KindContainer
	if kindFlag == "vm" {
		kind = types.KindVM
	}
	return mgr.ReadByAccount(context.Background(), kind, account, hostname)
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "container", "Instance kind: container or vm")
	cmd.Flags().String("account", "", "Owning account (required)")
	_ = cmd.MarkFlagRequired("account")
}

var deleteCmd = &cobra.Command{
	Use:   "delete HOSTNAME",
	Short: "Delete a stopped instance",
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
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		if err := mgr.Delete(context.Background(), inst); err != nil {
			return fmt.Errorf("delete %s: %w", inst.FQDN, err)
		}
		fmt.Printf("Deleted %s\n", inst.FQDN)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start HOSTNAME",
	Short: "Start an instance",
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
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		if err := mgr.Start(context.Background(), inst); err != nil {
			return fmt.Errorf("start %s: %w", inst.FQDN, err)
		}
		fmt.Printf("Started %s\n", inst.FQDN)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop HOSTNAME",
	Short: "Shut down an instance",
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
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		if err := mgr.Shutdown(context.Background(), inst); err != nil {
			return fmt.Errorf("stop %s: %w", inst.FQDN, err)
		}
		fmt.Printf("Stopped %s\n", inst.FQDN)
		return nil
	},
}

var resetRootCmd = &cobra.Command{
	Use:   "reset-root HOSTNAME",
	Short: "Regenerate and install root credentials on a running instance",
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
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		password, privateKey, _, err := mgr.ResetRootUser(context.Background(), inst, nil)
		if err != nil {
			return fmt.Errorf("reset root user on %s: %w", inst.FQDN, err)
		}
		fmt.Printf("Root credentials for %s (shown once):\n", inst.FQDN)
		fmt.Printf("  Password: %s\n", password)
		fmt.Printf("  Private key:\n%s\n", privateKey)
		return nil
	},
}

var markActiveCmd = &cobra.Command{
	Use:   "mark-active HOSTNAME",
	Short: "Reset an instance's inactivity clock to today",
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
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		if err := mgr.MarkActive(context.Background(), inst); err != nil {
			return fmt.Errorf("mark %s active: %w", inst.FQDN, err)
		}
		fmt.Printf("%s marked active; next shutdown due %s\n", inst.FQDN, inst.InactivityShutdownDate.Format("2006-01-02"))
		return nil
	},
}

var reinstallCmd = &cobra.Command{
	Use:   "reinstall HOSTNAME",
	Short: "Trigger the VPS re-install sentinel on a VM",
	Long: `Replaces the VM's cloud-init userdata with the re-install sentinel,
which wipes cloud-init state and shuts the VM down on its next boot. Run
"start" again afterwards to re-apply the canonical userdata and bring the
VM back up clean.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		mgr, err := newManager(cfg)
		if err != nil {
			return err
		}
		account, _ := cmd.Flags().GetString("account")
		inst, err := resolveTarget(cmd, mgr, account, args[0])
		if err != nil {
			return err
		}
		if err := mgr.Reinstall(context.Background(), inst); err != nil {
			return fmt.Errorf("reinstall %s: %w", inst.FQDN, err)
		}
		fmt.Printf("%s booted into the re-install sentinel; run start again once it shuts down\n", inst.FQDN)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{deleteCmd, startCmd, stopCmd, resetRootCmd, markActiveCmd, reinstallCmd} {
		addTargetFlags(cmd)
	}
	rootCmd.AddCommand(reinstallCmd)
}
