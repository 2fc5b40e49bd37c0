// Package types defines the data model shared by every instanced component:
// the in-memory projection of a cluster instance, the metadata blob encoded
// into the hypervisor's description field, and the supporting value types
// (specs, NIC allocation, network metadata, root credentials).
package types

import "time"

// Kind identifies the workload type backing an instance.
type Kind string

const (
	KindContainer Kind = "container"
	KindVM        Kind = "vm"
)

// DiskFormat is the on-disk format of a catalogued image.
type DiskFormat string

const (
	DiskFormatTarGz DiskFormat = "tar_gz"
	DiskFormatQcow2 DiskFormat = "qcow2"
)

// Status is the hypervisor-reported run state of an instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Specs describes the resources required or granted to an instance.
type Specs struct {
	Cores       int `yaml:"cores"`
	MemoryMB    int `yaml:"memory_mb"`
	SwapMB      int `yaml:"swap_mb"`
	DiskSpaceGB int `yaml:"disk_space_gb"`
}

// Image is a read-only catalogue entry resolved by (kind, image id).
type Image struct {
	ID            string     `yaml:"id"`
	DiskFile      string     `yaml:"disk_file"`
	DiskFormat    DiskFormat `yaml:"disk_format"`
	DiskSHA256    string     `yaml:"disk_sha256,omitempty"`
	FallbackURL   string     `yaml:"fallback_url,omitempty"`
	Specs         Specs      `yaml:"specs"`
	WakeOnRequest bool       `yaml:"wake_on_request"`
}

// Address is a single IP/prefix pair assigned to a NIC.
type Address struct {
	IP     string `yaml:"ip"`
	Prefix int    `yaml:"prefix"`
}

// NICAllocation is the network identity allocated to an instance's primary NIC.
type NICAllocation struct {
	Addresses []Address `yaml:"addresses"`
	Gateway4  string    `yaml:"gateway4"`
	MAC       string    `yaml:"mac"`
	VLAN      int       `yaml:"vlan"`
}

// PrimaryIP returns the first allocated address, the one the rest of the
// system treats as the instance's canonical routable IP.
func (n NICAllocation) PrimaryIP() string {
	if len(n.Addresses) == 0 {
		return ""
	}
	return n.Addresses[0].IP
}

// VHostOptions describes how a vhost should be routed.
type VHostOptions struct {
	Port  int  `yaml:"port"`
	HTTPS bool `yaml:"https"`
}

// NetworkMetadata is the network-facing portion of an instance's Metadata.
type NetworkMetadata struct {
	NICAllocation NICAllocation           `yaml:"nic_allocation"`
	VHosts        map[string]VHostOptions `yaml:"vhosts"`
	// Ports maps external (published) port to internal (instance-local) port.
	Ports map[int]int `yaml:"ports"`
}

// Inactivity tracks when an instance was last marked active.
type Inactivity struct {
	MarkedActiveAt time.Time `yaml:"marked_active_at"`
}

// RootUser holds the hashed password and public key installed on an
// instance's root account. Plaintext password and private key are never
// stored — they exist only as a transient return value of credential
// (re)generation, see lifecycle.ResetRootUser.
type RootUser struct {
	PasswordHash string `yaml:"password_hash"`
	SSHPublicKey string `yaml:"ssh_public_key"`
}

// TOS carries terms-of-service enforcement state.
type TOS struct {
	Suspended bool `yaml:"suspended"`
}

// Metadata is the full value encoded into the hypervisor's free-form
// description field for a given instance. It is the engine's only
// persistent state.
type Metadata struct {
	Owner         string          `yaml:"owner"`
	Groups        []string        `yaml:"groups,omitempty"`
	RequestDetail string          `yaml:"request_detail,omitempty"`
	Inactivity    Inactivity      `yaml:"inactivity"`
	Network       NetworkMetadata `yaml:"network"`
	RootUser      RootUser        `yaml:"root_user"`
	WakeOnRequest bool            `yaml:"wake_on_request"`
	Permanent     bool            `yaml:"permanent"`
	TOS           TOS             `yaml:"tos"`
}

// Instance is the in-memory projection returned by reads: a decoded,
// typed view over a hypervisor object plus its derived fields.
type Instance struct {
	Kind     Kind
	ID       int
	FQDN     string
	Hostname string
	Node     string
	Metadata Metadata
	Specs    Specs
	Status   Status

	Active                 bool
	InactivityShutdownDate time.Time
	InactivityDeletionDate time.Time

	// Remarks are non-fatal notes attached during a bulk read: malformed
	// metadata tolerated under ignore_errors, dropped port/vhost conflicts,
	// domain validation failures. They never cause a read to fail.
	Remarks []string
}
