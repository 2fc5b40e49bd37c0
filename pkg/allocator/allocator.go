// Package allocator implements the cluster-wide resource allocators: IP +
// MAC (from the configured network range minus in-use addresses), external
// port (from the configured port range minus in-use ports), and vhost
// domain availability. There is no coordinator (§5/§9): every allocation
// decision is made against a fresh snapshot of all live instances, and
// conflicts are left to surface as remarks on the next read rather than
// being prevented up front.
package allocator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sort"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/rs/zerolog"
)

// Allocator hands out IPs/MACs and external ports against a fresh
// cluster-wide snapshot supplied by the caller on every call.
type Allocator struct {
	networkCIDR string
	allowedCIDR string
	gateway4    string
	vlan        int
	portStart   int
	portEnd     int
	logger      zerolog.Logger
}

// New creates an Allocator. networkCIDR is the full network; allowedCIDR is
// the (possibly narrower) sub-range the engine is permitted to hand out
// addresses from; both must describe IPv4 networks.
func New(networkCIDR, allowedCIDR, gateway4 string, vlan, portStart, portEnd int) *Allocator {
	return &Allocator{
		networkCIDR: networkCIDR,
		allowedCIDR: allowedCIDR,
		gateway4:    gateway4,
		vlan:        vlan,
		portStart:   portStart,
		portEnd:     portEnd,
		logger:      log.WithComponent("allocator"),
	}
}

// NewPortRange creates an Allocator scoped to port allocation only, for
// callers (routing) that never touch IP/MAC and so have no CIDR config to
// supply.
func NewPortRange(portStart, portEnd int) *Allocator {
	return &Allocator{
		portStart: portStart,
		portEnd:   portEnd,
		logger:    log.WithComponent("allocator"),
	}
}

// PortMapEntry is one published external port's owner.
type PortMapEntry struct {
	FQDN       string
	PrimaryIP  string
	Internal   int
}

// AllocateIP picks a free address (plus a freshly randomized
// locally-administered MAC) from the allowed range, excluding the gateway
// and every address already held by a live instance (§4.5).
func (a *Allocator) AllocateIP(instances []*types.Instance) (types.NICAllocation, error) {
	_, network, err := net.ParseCIDR(a.networkCIDR)
	if err != nil {
		return types.NICAllocation{}, fmt.Errorf("%w: invalid network cidr: %v", errs.ErrResourceUnavailable, err)
	}
	_, allowed, err := net.ParseCIDR(a.allowedCIDR)
	if err != nil {
		return types.NICAllocation{}, fmt.Errorf("%w: invalid allowed cidr: %v", errs.ErrResourceUnavailable, err)
	}

	inUse := make(map[string]struct{})
	for _, inst := range instances {
		for _, addr := range inst.Metadata.Network.NICAllocation.Addresses {
			inUse[addr.IP] = struct{}{}
		}
	}

	prefix, _ := allowed.Mask.Size()

	count, err := cidr.AddressCount(allowed)
	if err != nil {
		return types.NICAllocation{}, fmt.Errorf("%w: %v", errs.ErrResourceUnavailable, err)
	}

	// Hosts of the allowed range, excluding network (0) and broadcast
	// (count-1) addresses, intersected with the configured network, minus
	// the gateway and every in-use address.
	var free []net.IP
	for i := uint64(1); i+1 < count; i++ {
		ip, err := cidr.Host(allowed, int(i))
		if err != nil {
			continue
		}
		if !network.Contains(ip) {
			continue
		}
		if ip.String() == a.gateway4 {
			continue
		}
		if _, used := inUse[ip.String()]; used {
			continue
		}
		free = append(free, ip)
	}

	if len(free) == 0 {
		a.logger.Warn().Msg("IP pool exhausted")
		metrics.AllocatorExhaustedTotal.WithLabelValues("ip").Inc()
		return types.NICAllocation{}, fmt.Errorf("%w: IP pool exhausted", errs.ErrResourceUnavailable)
	}

	picked := free[0]
	mac, err := randomLocallyAdministeredMAC()
	if err != nil {
		return types.NICAllocation{}, fmt.Errorf("%w: %v", errs.ErrResourceUnavailable, err)
	}

	return types.NICAllocation{
		Addresses: []types.Address{{IP: picked.String(), Prefix: prefix}},
		Gateway4:  a.gateway4,
		MAC:       mac,
		VLAN:      a.vlan,
	}, nil
}

// PortMap folds over all instances and builds the global external->owner
// map per §4.5: first writer wins, later conflicts and out-of-range ports
// are dropped from the map (but remain latent in metadata) and returned
// separately as remarks for the caller to attach to the relevant instance.
func (a *Allocator) PortMap(instances []*types.Instance) (map[int]PortMapEntry, []string) {
	m := make(map[int]PortMapEntry)
	var remarks []string

	// Deterministic iteration so "first writer wins" is reproducible in tests.
	sorted := make([]*types.Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FQDN < sorted[j].FQDN })

	for _, inst := range sorted {
		ip := inst.Metadata.Network.NICAllocation.PrimaryIP()
		for ext, internal := range inst.Metadata.Network.Ports {
			if ext < a.portStart || ext > a.portEnd {
				remarks = append(remarks, fmt.Sprintf("port %d on %s is outside the configured range and was dropped", ext, inst.FQDN))
				continue
			}
			if existing, conflict := m[ext]; conflict {
				remarks = append(remarks, fmt.Sprintf("port %d conflict between %s and %s, kept %s", ext, existing.FQDN, inst.FQDN, existing.FQDN))
				continue
			}
			m[ext] = PortMapEntry{FQDN: inst.FQDN, PrimaryIP: ip, Internal: internal}
		}
	}
	return m, remarks
}

// AllocateExternalPort returns a uniformly-random free port from the
// configured range, given the current port map.
func (a *Allocator) AllocateExternalPort(portMap map[int]PortMapEntry) (int, error) {
	var free []int
	for p := a.portStart; p <= a.portEnd; p++ {
		if _, used := portMap[p]; !used {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		a.logger.Warn().Msg("external port range exhausted")
		metrics.AllocatorExhaustedTotal.WithLabelValues("port").Inc()
		return 0, fmt.Errorf("%w: external port range exhausted", errs.ErrResourceUnavailable)
	}

	idx, err := randomIndex(len(free))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrResourceUnavailable, err)
	}
	return free[idx], nil
}

// IsDomainAvailable reports whether no other instance holds d as a valid
// vhost (§4.5). validate classifies a (instance, domain) pair as valid or
// not, per the domain validator (C8); it is injected so the allocator
// itself has no DNS dependency.
func IsDomainAvailable(instances []*types.Instance, d string, validate func(inst *types.Instance, domain string) bool) bool {
	for _, inst := range instances {
		for v := range inst.Metadata.Network.VHosts {
			if v == d && validate(inst, v) {
				return false
			}
		}
	}
	return true
}

func randomLocallyAdministeredMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

func randomIndex(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
