package main

import (
	"context"
	"fmt"
	"os"

	"github.com/netsoc/instanced/pkg/allocator"
	"github.com/netsoc/instanced/pkg/catalogue"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/lifecycle"
	"github.com/netsoc/instanced/pkg/materializer"
	"github.com/netsoc/instanced/pkg/selector"
	"github.com/netsoc/instanced/pkg/transport"
	"github.com/netsoc/instanced/pkg/validator"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Timeouts == (config.Timeouts{}) {
		cfg.Timeouts = config.DefaultTimeouts()
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newManager wires a lifecycle.Manager from a loaded config, the same
// dependency graph the engine process itself assembles at startup.
func newManager(cfg config.Config) (*lifecycle.Manager, error) {
	api, err := transport.NewRESTClient(cfg.Hypervisor)
	if err != nil {
		return nil, fmt.Errorf("create hypervisor client: %w", err)
	}

	shellFactory := func(ctx context.Context, node string) (transport.NodeShell, error) {
		return transport.ScopedNodeShell(ctx, cfg.Hypervisor, node)
	}

	cat := catalogue.New(cfg.Images)
	sel := selector.New(cfg.Cluster.BlacklistedNodes)
	alloc := allocator.New(cfg.Network.CIDR, cfg.Network.AllowedRangeCIDR, cfg.Network.Gateway4, cfg.Network.VLAN, cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	val := validator.New(cfg.Domain, cfg.Cluster)

	mgr := lifecycle.New(api, shellFactory, cat, sel, alloc, materializer.New(), cfg.Cluster, cfg.Network, cfg.Timeouts, cfg.Inactivity, val.Validate)
	return mgr, nil
}
