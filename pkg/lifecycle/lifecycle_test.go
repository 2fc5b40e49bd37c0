package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/netsoc/instanced/pkg/allocator"
	"github.com/netsoc/instanced/pkg/catalogue"
	"github.com/netsoc/instanced/pkg/codec"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/selector"
	"github.com/netsoc/instanced/pkg/transport"
	"github.com/netsoc/instanced/pkg/types"
)

// fakeAPI is an in-memory stand-in for transport.RESTClient, driven
// entirely through the narrowed HypervisorAPI interface lifecycle depends
// on, so tests never touch a real cluster.
type fakeAPI struct {
	mu sync.Mutex

	nodes  []transport.NodeResource
	guests map[int]*fakeGuest

	nextID int

	firewall map[int]map[string]string
	ipsets   map[int]map[string][]string

	agentOnline     map[int]bool
	agentPasswords  map[int]string
	agentFiles      map[int]map[string][]byte
	agentExecCalls  []string

	failCreateGuest error
	failStatusOnce  map[int]bool
}

type fakeGuest struct {
	id        int
	guestType string
	node      string
	name      string
	status    string
	config    map[string]interface{}
	locked    bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		guests:         map[int]*fakeGuest{},
		nextID:         100,
		firewall:       map[int]map[string]string{},
		ipsets:         map[int]map[string][]string{},
		agentOnline:    map[int]bool{},
		agentPasswords: map[int]string{},
		agentFiles:     map[int]map[string][]byte{},
		failStatusOnce: map[int]bool{},
		nodes: []transport.NodeResource{
			{Node: "pve1", MaxCPU: 32, MaxMem: 64 << 30, Mem: 0, Status: "online"},
		},
	}
}

func (f *fakeAPI) ListNodes(ctx context.Context) ([]transport.NodeResource, error) {
	return f.nodes, nil
}

func (f *fakeAPI) StoragePath(ctx context.Context, storageID string) (string, error) {
	return "/mnt/pve/" + storageID, nil
}

func (f *fakeAPI) ListGuests(ctx context.Context) ([]transport.VMResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.VMResource
	for _, g := range f.guests {
		out = append(out, transport.VMResource{ID: g.id, Type: g.guestType, Name: g.name, Node: g.node, Status: g.status})
	}
	return out, nil
}

func (f *fakeAPI) GetConfig(ctx context.Context, node, guestType string, id int) (transport.GuestConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return nil, fmt.Errorf("no such guest %d", id)
	}
	out := transport.GuestConfig{}
	for k, v := range g.config {
		out[k] = v
	}
	if g.locked {
		out["lock"] = "backup"
	}
	return out, nil
}

func (f *fakeAPI) SetConfig(ctx context.Context, node, guestType string, id int, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return fmt.Errorf("no such guest %d", id)
	}
	for k, v := range fields {
		if k == "unlock" {
			g.locked = false
			continue
		}
		g.config[k] = v
		if k == "name" {
			g.name = v
		}
	}
	return nil
}

func (f *fakeAPI) CreateGuest(ctx context.Context, node, guestType string, fields map[string]string) error {
	if f.failCreateGuest != nil {
		return f.failCreateGuest
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	cfg := map[string]interface{}{}
	for k, v := range fields {
		cfg[k] = v
	}
	f.guests[id] = &fakeGuest{
		id:        id,
		guestType: guestType,
		node:      node,
		name:      fields["name"],
		status:    string(types.StatusStopped),
		config:    cfg,
		locked:    false,
	}
	if fields["hostname"] != "" {
		f.guests[id].name = fields["hostname"]
	}
	return nil
}

func (f *fakeAPI) DeleteGuest(ctx context.Context, node, guestType string, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guests, id)
	return nil
}

func (f *fakeAPI) Status(ctx context.Context, node, guestType string, id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return "", fmt.Errorf("no such guest %d", id)
	}
	return g.status, nil
}

func (f *fakeAPI) StatusAction(ctx context.Context, node, guestType string, id int, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return fmt.Errorf("no such guest %d", id)
	}
	switch action {
	case "start":
		g.status = string(types.StatusRunning)
	case "shutdown", "stop":
		g.status = string(types.StatusStopped)
	}
	return nil
}

func (f *fakeAPI) ResizeDisk(ctx context.Context, node, guestType string, id int, disk, size string) error {
	return nil
}

func (f *fakeAPI) SetFirewallOptions(ctx context.Context, node, guestType string, id int, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firewall[id] = fields
	return nil
}

func (f *fakeAPI) ReplaceIPSet(ctx context.Context, node, guestType string, id int, name string, cidrs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ipsets[id] == nil {
		f.ipsets[id] = map[string][]string{}
	}
	f.ipsets[id][name] = cidrs
	return nil
}

func (f *fakeAPI) AgentPing(ctx context.Context, node string, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.agentOnline[id] {
		return fmt.Errorf("agent offline")
	}
	return nil
}

func (f *fakeAPI) AgentSetUserPassword(ctx context.Context, node string, id int, username, value string, crypted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentPasswords[id] = value
	return nil
}

func (f *fakeAPI) AgentFileWrite(ctx context.Context, node string, id int, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agentFiles[id] == nil {
		f.agentFiles[id] = map[string][]byte{}
	}
	f.agentFiles[id][path] = content
	return nil
}

func (f *fakeAPI) AgentExec(ctx context.Context, node string, id int, command []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentExecCalls = append(f.agentExecCalls, fmt.Sprintf("%v", command))
	return nil
}

// fakeShell is an in-memory transport.NodeShell: every command reports
// success, every written file is captured for assertions.
type fakeShell struct {
	mu       sync.Mutex
	execLog  []string
	files    map[string][]byte
	execFunc func(cmd string) (int, []byte, []byte, error)
}

func newFakeShell() *fakeShell {
	return &fakeShell{files: map[string][]byte{}}
}

func (s *fakeShell) Exec(ctx context.Context, cmd string) (int, []byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execLog = append(s.execLog, cmd)
	if s.execFunc != nil {
		return s.execFunc(cmd)
	}
	return 0, nil, nil, nil
}

func (s *fakeShell) PutFile(ctx context.Context, path string, data []byte, mode os.FileMode, owner, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.files[path] = cp
	return nil
}

func (s *fakeShell) Close() error { return nil }

func fakeShellFactory(shell *fakeShell) ShellFactory {
	return func(ctx context.Context, node string) (transport.NodeShell, error) {
		return shell, nil
	}
}

// fakeMaterializer always reports the image already staged at a fixed path.
type fakeMaterializer struct {
	path string
	err  error
}

func (f *fakeMaterializer) Materialize(ctx context.Context, shell transport.NodeShell, image types.Image, targetFolder string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		LockWait:     200 * time.Millisecond,
		StatusWait:   200 * time.Millisecond,
		GuestAgent:   200 * time.Millisecond,
		CreationWait: 500 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func testCluster() config.Cluster {
	return config.Cluster{
		BaseDomain:           "cloud.example",
		ContainerSubdomain:   "container",
		VMSubdomain:          "vm",
		ServiceBaseDomain:    "svc.cloud.example",
		StoragePoolImages:    "images",
		StoragePoolInstances: "instances",
		StoragePoolSnippets:  "snippets",
		TLSResolverService:   "service-resolver",
		TLSResolverUser:      "user-resolver",
	}
}

func testNetwork() config.Network {
	return config.Network{
		CIDR:             "10.20.0.0/24",
		AllowedRangeCIDR: "10.20.0.0/24",
		Gateway4:         "10.20.0.1",
		VLAN:             42,
		Bridge:           "vmbr0",
		MTU:              1450,
	}
}

func testPorts() config.Ports {
	return config.Ports{RangeStart: 20000, RangeEnd: 20010}
}

func testImages() []types.Image {
	return []types.Image{
		{ID: "debian-12", DiskFile: "debian-12.tar.gz", DiskFormat: types.DiskFormatTarGz, Specs: types.Specs{Cores: 1, MemoryMB: 512, SwapMB: 512, DiskSpaceGB: 8}},
		{ID: "debian-12-vm", DiskFile: "debian-12.qcow2", DiskFormat: types.DiskFormatQcow2, Specs: types.Specs{Cores: 1, MemoryMB: 1024, DiskSpaceGB: 10}},
	}
}

// addGuest seeds api with a guest that already carries encoded metadata, as
// ReadInstances/ReadByAccount expect to find on a live cluster.
func addGuest(t testHelper, api *fakeAPI, kind types.Kind, fqdn, node string, meta types.Metadata, status types.Status) (*fakeGuest, types.Instance) {
	desc, err := codec.Encode(meta)
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	gt := "lxc"
	if kind == types.KindVM {
		gt = "qemu"
	}

	api.mu.Lock()
	id := api.nextID
	api.nextID++
	g := &fakeGuest{
		id:        id,
		guestType: gt,
		node:      node,
		name:      fqdn,
		status:    string(status),
		config:    map[string]interface{}{"description": desc},
	}
	api.guests[id] = g
	api.mu.Unlock()

	return g, types.Instance{Kind: kind, ID: id, FQDN: fqdn, Node: node, Metadata: meta, Status: status}
}

// testHelper is the subset of *testing.T used by addGuest, so it can be
// called from any _test.go file in this package without an import cycle.
type testHelper interface {
	Fatalf(format string, args ...interface{})
}

func newTestManager(api *fakeAPI, shell ShellFactory, mat Materializer) *Manager {
	net := testNetwork()
	ports := testPorts()
	return New(
		api,
		shell,
		catalogue.New(testImages()),
		selector.New(nil),
		allocator.New(net.CIDR, net.AllowedRangeCIDR, net.Gateway4, net.VLAN, ports.RangeStart, ports.RangeEnd),
		mat,
		testCluster(),
		net,
		testTimeouts(),
		config.InactivityPolicy{
			ContainerShutdownAfter: 7 * 24 * time.Hour,
			ContainerDeleteAfter:   30 * 24 * time.Hour,
			VMShutdownAfter:        7 * 24 * time.Hour,
			VMDeleteAfter:          30 * 24 * time.Hour,
		},
		nil,
	)
}
