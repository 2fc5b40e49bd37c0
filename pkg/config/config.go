// Package config defines the engine's configuration shape. Loading the
// YAML file itself is the caller's job (the admin API); this package only
// defines and validates the structure.
package config

import (
	"fmt"
	"time"

	"github.com/netsoc/instanced/pkg/types"
)

// Cluster holds the hypervisor cluster topology and naming configuration.
type Cluster struct {
	BaseDomain         string   `yaml:"base_domain"`
	ContainerSubdomain string   `yaml:"container_subdomain"`
	VMSubdomain        string   `yaml:"vm_subdomain"`
	ServiceBaseDomain  string   `yaml:"service_base_domain"`
	BlacklistedNodes   []string `yaml:"blacklisted_nodes"`

	StoragePoolImages    string `yaml:"storage_pool_images"`
	StoragePoolInstances string `yaml:"storage_pool_instances"`
	StoragePoolSnippets  string `yaml:"storage_pool_snippets"`

	TLSResolverService string `yaml:"tls_resolver_service"`
	TLSResolverUser    string `yaml:"tls_resolver_user"`
}

// KindSubdomain returns the FQDN label identifying the given instance kind.
func (c Cluster) KindSubdomain(kind types.Kind) string {
	if kind == types.KindVM {
		return c.VMSubdomain
	}
	return c.ContainerSubdomain
}

// Network holds the shared IP/MAC/VLAN allocation configuration.
type Network struct {
	CIDR             string `yaml:"cidr"`
	AllowedRangeCIDR string `yaml:"allowed_range_cidr"`
	Gateway4         string `yaml:"gateway4"`
	VLAN             int    `yaml:"vlan"`
	Bridge           string `yaml:"bridge"`
	MTU              int    `yaml:"mtu"`
	NICRateLimitMBps float64 `yaml:"nic_rate_limit_mbps"`
}

// Ports holds the external port-forward range.
type Ports struct {
	RangeStart int `yaml:"range_start"`
	RangeEnd   int `yaml:"range_end"`
}

// InRange reports whether ext lies within the configured port range, inclusive.
func (p Ports) InRange(ext int) bool {
	return ext >= p.RangeStart && ext <= p.RangeEnd
}

// DomainPolicy holds vhost validation configuration.
type DomainPolicy struct {
	ServiceSubdomainBlacklist []string `yaml:"service_subdomain_blacklist"`
	AllowedAddresses          []string `yaml:"allowed_addresses"`
	VerificationLabel         string   `yaml:"verification_label"`
	UpstreamResolvers         []string `yaml:"upstream_resolvers"`
}

// InactivityPolicy holds the per-kind shutdown/deletion thresholds.
type InactivityPolicy struct {
	ContainerShutdownAfter time.Duration `yaml:"container_shutdown_after"`
	ContainerDeleteAfter   time.Duration `yaml:"container_delete_after"`
	VMShutdownAfter        time.Duration `yaml:"vm_shutdown_after"`
	VMDeleteAfter          time.Duration `yaml:"vm_delete_after"`
}

// Shutdown returns K_shutdown(kind).
func (p InactivityPolicy) Shutdown(kind types.Kind) time.Duration {
	if kind == types.KindVM {
		return p.VMShutdownAfter
	}
	return p.ContainerShutdownAfter
}

// Delete returns K_delete(kind).
func (p InactivityPolicy) Delete(kind types.Kind) time.Duration {
	if kind == types.KindVM {
		return p.VMDeleteAfter
	}
	return p.ContainerDeleteAfter
}

// Timeouts holds the default wait-primitive timeouts (§5).
type Timeouts struct {
	LockWait      time.Duration `yaml:"lock_wait"`
	StatusWait    time.Duration `yaml:"status_wait"`
	GuestAgent    time.Duration `yaml:"guest_agent_wait"`
	CreationWait  time.Duration `yaml:"creation_wait"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// DefaultTimeouts returns the §5 defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		LockWait:     25 * time.Second,
		StatusWait:   25 * time.Second,
		GuestAgent:   25 * time.Second,
		CreationWait: 120 * time.Second,
		PollInterval: 1 * time.Second,
	}
}

// Hypervisor holds the REST + SSH connection configuration for the cluster
// transport (C1).
type Hypervisor struct {
	APIBaseURL    string `yaml:"api_base_url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password,omitempty"`
	TokenName     string `yaml:"token_name,omitempty"`
	TokenValue    string `yaml:"token_value,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`

	BastionAddr     string `yaml:"bastion_addr"`
	BastionUser     string `yaml:"bastion_user"`
	BastionKeyPath  string `yaml:"bastion_key_path"`
	NodeSSHUser     string `yaml:"node_ssh_user"`
	NodeSSHKeyPath  string `yaml:"node_ssh_key_path"`
}

// Config is the full engine configuration.
type Config struct {
	Cluster    Cluster          `yaml:"cluster"`
	Network    Network          `yaml:"network"`
	Ports      Ports            `yaml:"ports"`
	Domain     DomainPolicy     `yaml:"domain"`
	Inactivity InactivityPolicy `yaml:"inactivity"`
	Timeouts   Timeouts         `yaml:"timeouts"`
	Hypervisor Hypervisor       `yaml:"hypervisor"`
	Images     []types.Image    `yaml:"images"`
}

// Validate performs basic structural validation. It does not reach the
// network; allocator/DNS failures surface at call time, not here.
func (c Config) Validate() error {
	if c.Cluster.BaseDomain == "" {
		return fmt.Errorf("cluster.base_domain is required")
	}
	if c.Cluster.ContainerSubdomain == "" || c.Cluster.VMSubdomain == "" {
		return fmt.Errorf("cluster.container_subdomain and cluster.vm_subdomain are required")
	}
	if c.Network.CIDR == "" || c.Network.Gateway4 == "" {
		return fmt.Errorf("network.cidr and network.gateway4 are required")
	}
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd <= c.Ports.RangeStart {
		return fmt.Errorf("ports.range_start/range_end must describe a non-empty range")
	}
	if c.Hypervisor.APIBaseURL == "" {
		return fmt.Errorf("hypervisor.api_base_url is required")
	}
	return nil
}
