package allocator

import (
	"testing"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator() *Allocator {
	return New("10.20.0.0/24", "10.20.0.0/24", "10.20.0.1", 100, 16384, 16387)
}

func TestAllocateIPFirstHostNotGateway(t *testing.T) {
	a := newTestAllocator()

	nic, err := a.AllocateIP(nil)
	require.NoError(t, err)
	assert.NotEqual(t, "10.20.0.1", nic.Addresses[0].IP)
	assert.Equal(t, "10.20.0.1", nic.Gateway4)
	assert.Equal(t, 100, nic.VLAN)
	assert.Regexp(t, "^02:00:00:", nic.MAC)
}

func TestAllocateIPExcludesInUse(t *testing.T) {
	a := New("10.20.0.0/30", "10.20.0.0/30", "10.20.0.1", 1, 1, 2)
	// /30 has exactly 2 usable hosts: .1 (gateway) and .2
	existing := []*types.Instance{
		{FQDN: "a", Metadata: types.Metadata{Network: types.NetworkMetadata{
			NICAllocation: types.NICAllocation{Addresses: []types.Address{{IP: "10.20.0.2"}}},
		}}},
	}
	_, err := a.AllocateIP(existing)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestAllocateIPPoolExhaustion(t *testing.T) {
	a := New("10.20.0.0/30", "10.20.0.0/30", "10.20.0.1", 1, 1, 2)
	_, err := a.AllocateIP(nil)
	require.NoError(t, err) // .2 still free
	existing := []*types.Instance{{FQDN: "a", Metadata: types.Metadata{Network: types.NetworkMetadata{
		NICAllocation: types.NICAllocation{Addresses: []types.Address{{IP: "10.20.0.2"}}},
	}}}}
	_, err = a.AllocateIP(existing)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func instanceWithPorts(fqdn string, ports map[int]int) *types.Instance {
	return &types.Instance{
		FQDN: fqdn,
		Metadata: types.Metadata{
			Network: types.NetworkMetadata{
				NICAllocation: types.NICAllocation{Addresses: []types.Address{{IP: "10.20.0.9"}}},
				Ports:         ports,
			},
		},
	}
}

func TestPortMapFirstWriterWins(t *testing.T) {
	a := newTestAllocator()
	instances := []*types.Instance{
		instanceWithPorts("a.example", map[int]int{16384: 22}),
		instanceWithPorts("b.example", map[int]int{16384: 2222}),
	}
	m, remarks := a.PortMap(instances)
	require.Len(t, m, 1)
	assert.Equal(t, "a.example", m[16384].FQDN)
	assert.NotEmpty(t, remarks)
}

func TestPortMapDropsOutOfRange(t *testing.T) {
	a := newTestAllocator()
	instances := []*types.Instance{
		instanceWithPorts("a.example", map[int]int{9999: 22}),
	}
	m, remarks := a.PortMap(instances)
	assert.Empty(t, m)
	assert.NotEmpty(t, remarks)
}

func TestAllocateExternalPortWithinRangeAndDistinct(t *testing.T) {
	a := New("10.20.0.0/24", "10.20.0.0/24", "10.20.0.1", 1, 16384, 16500)
	portMap := map[int]PortMapEntry{16384: {}, 16385: {}}

	seen := make(map[int]struct{})
	for i := 0; i < 50; i++ {
		p, err := a.AllocateExternalPort(portMap)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, 16384)
		assert.LessOrEqual(t, p, 16500)
		assert.NotEqual(t, 16384, p)
		assert.NotEqual(t, 16385, p)
		portMap[p] = PortMapEntry{}
		seen[p] = struct{}{}
	}
	assert.Len(t, seen, 50)
}

func TestAllocateExternalPortExhaustion(t *testing.T) {
	a := New("10.20.0.0/24", "10.20.0.0/24", "10.20.0.1", 1, 100, 101)
	portMap := map[int]PortMapEntry{100: {}, 101: {}}
	_, err := a.AllocateExternalPort(portMap)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestIsDomainAvailable(t *testing.T) {
	instances := []*types.Instance{
		{Metadata: types.Metadata{Network: types.NetworkMetadata{
			VHosts: map[string]types.VHostOptions{"taken.example.com": {Port: 80}},
		}}},
	}
	alwaysValid := func(*types.Instance, string) bool { return true }

	assert.False(t, IsDomainAvailable(instances, "taken.example.com", alwaysValid))
	assert.True(t, IsDomainAvailable(instances, "free.example.com", alwaysValid))

	alwaysInvalid := func(*types.Instance, string) bool { return false }
	assert.True(t, IsDomainAvailable(instances, "taken.example.com", alwaysInvalid))
}
