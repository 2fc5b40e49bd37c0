package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netsoc/instanced/pkg/activity"
	"github.com/netsoc/instanced/pkg/codec"
	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/selector"
	"github.com/netsoc/instanced/pkg/transport"
	"github.com/netsoc/instanced/pkg/types"
)

// CreateRequest carries the caller-supplied inputs to Create (§4.7).
type CreateRequest struct {
	Kind          types.Kind
	Account       string
	Hostname      string
	ImageID       string
	RequestDetail string
}

// Create provisions a new instance per §4.7.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	timer := metrics.NewTimer()
	inst, err := m.create(ctx, req)
	if err != nil {
		metrics.InstancesFailed.WithLabelValues(string(req.Kind), "create").Inc()
		return nil, err
	}
	metrics.InstancesCreated.WithLabelValues(string(req.Kind)).Inc()
	timer.ObserveDurationVec(metrics.InstanceCreateDuration, string(req.Kind))
	return inst, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	image, err := m.catalogue.Resolve(req.Kind, req.ImageID)
	if err != nil {
		return nil, err
	}

	if _, err := m.ReadByAccount(ctx, req.Kind, req.Account, req.Hostname); err == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", errs.ErrAlreadyExists, req.Kind, req.Account, req.Hostname)
	} else if !isNotFound(err) {
		return nil, err
	}

	node, err := m.selectNode(ctx, image.Specs)
	if err != nil {
		return nil, err
	}

	fqdn := fmt.Sprintf("%s.%s.%s.%s", req.Hostname, req.Account, m.cluster.KindSubdomain(req.Kind), m.cluster.BaseDomain)

	existing, err := m.ReadInstances(ctx, true)
	if err != nil {
		return nil, err
	}

	nic, err := m.allocator.AllocateIP(existing)
	if err != nil {
		return nil, err
	}

	diskPath, err := m.materializeImage(ctx, node.Name, req.Kind, image)
	if err != nil {
		return nil, err
	}

	_, _, rootUser, err := generateRootUser()
	if err != nil {
		return nil, fmt.Errorf("%w: generate root credentials: %v", errs.ErrResourceUnavailable, err)
	}

	vhostLabel := fmt.Sprintf("%s-%s-%s", req.Hostname, req.Account, req.Kind)
	meta := types.Metadata{
		Owner:         req.Account,
		RequestDetail: req.RequestDetail,
		Inactivity:    types.Inactivity{MarkedActiveAt: todayUTC()},
		Network: types.NetworkMetadata{
			NICAllocation: nic,
			VHosts: map[string]types.VHostOptions{
				fmt.Sprintf("%s.%s", vhostLabel, m.cluster.ServiceBaseDomain): {Port: 80, HTTPS: false},
			},
			Ports: map[int]int{},
		},
		RootUser:      rootUser,
		WakeOnRequest: image.WakeOnRequest,
	}

	candidateID := candidateVMID(fqdn)

	var guest transport.VMResource
	switch req.Kind {
	case types.KindVM:
		guest, err = m.createVM(ctx, node.Name, fqdn, candidateID, image, diskPath, meta)
	default:
		guest, err = m.createContainer(ctx, node.Name, fqdn, candidateID, image, meta)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &types.Instance{
		Kind:                   req.Kind,
		ID:                     guest.ID,
		FQDN:                   fqdn,
		Hostname:               req.Hostname,
		Node:                   node.Name,
		Metadata:               meta,
		Specs:                  image.Specs,
		Status:                 types.StatusStopped,
		Active:                 activity.IsActive(meta, req.Kind, m.inactivity, now),
		InactivityShutdownDate: activity.ShutdownDate(meta, req.Kind, m.inactivity),
		InactivityDeletionDate: activity.DeletionDate(meta, req.Kind, m.inactivity),
	}
	return inst, nil
}

func (m *Manager) selectNode(ctx context.Context, required types.Specs) (selector.NodeInfo, error) {
	nodes, err := m.api.ListNodes(ctx)
	if err != nil {
		return selector.NodeInfo{}, fmt.Errorf("%w: list nodes: %v", errs.ErrResourceUnavailable, err)
	}
	infos := make([]selector.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, selector.NodeInfo{
			Name:      n.Node,
			MaxMemMB:  int(n.MaxMem / (1024 * 1024)),
			MemUsedMB: int(n.Mem / (1024 * 1024)),
			MaxCPU:    n.MaxCPU,
		})
	}
	return m.selector.Select(infos, required)
}

func (m *Manager) materializeImage(ctx context.Context, node string, kind types.Kind, image types.Image) (string, error) {
	shell, err := m.shell(ctx, node)
	if err != nil {
		return "", fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, node, err)
	}
	defer shell.Close()

	base, err := m.api.StoragePath(ctx, m.cluster.StoragePoolImages)
	if err != nil {
		return "", fmt.Errorf("%w: resolve storage path for %s: %v", errs.ErrResourceUnavailable, m.cluster.StoragePoolImages, err)
	}
	targetFolder := fmt.Sprintf("%s/template/%s", base, kind)
	return m.materializer.Materialize(ctx, shell, image, targetFolder)
}

// createContainer implements the container path of §4.7 step 9.
func (m *Manager) createContainer(ctx context.Context, node, fqdn string, candidateID int, image types.Image, meta types.Metadata) (transport.VMResource, error) {
	desc, err := encodeOrFail(meta)
	if err != nil {
		return transport.VMResource{}, err
	}

	fields := map[string]string{
		"vmid":        fmt.Sprintf("%d", candidateID),
		"hostname":    fqdn,
		"description": desc,
		"ostemplate":  fmt.Sprintf("%s:vztmpl/%s", m.cluster.StoragePoolImages, image.DiskFile),
		"cores":       fmt.Sprintf("%d", image.Specs.Cores),
		"memory":      fmt.Sprintf("%d", image.Specs.MemoryMB),
		"swap":        fmt.Sprintf("%d", image.Specs.SwapMB),
		"rootfs":      fmt.Sprintf("%s:%d", m.cluster.StoragePoolInstances, image.Specs.DiskSpaceGB),
		"unprivileged": "1",
		"nameserver":  "1.1.1.1",
	}
	if err := m.api.CreateGuest(ctx, node, "lxc", fields); err != nil {
		return transport.VMResource{}, fmt.Errorf("%w: create container: %v", errs.ErrResourceUnavailable, err)
	}

	guest, err := m.waitCreated(ctx, fqdn, "lxc")
	if err != nil {
		return transport.VMResource{}, err
	}
	if err := m.waitLockReleased(ctx, guest.Node, "lxc", guest.ID); err != nil {
		return transport.VMResource{}, err
	}

	if err := m.forceUnlockTolerant(ctx, guest.Node, guest.ID); err != nil {
		return transport.VMResource{}, err
	}
	if err := m.api.SetConfig(ctx, guest.Node, "lxc", guest.ID, map[string]string{
		"features": "fuse=1,keyctl=1,nesting=1",
	}); err != nil {
		return transport.VMResource{}, fmt.Errorf("%w: enable container features: %v", errs.ErrResourceUnavailable, err)
	}

	return guest, nil
}

// forceUnlockTolerant runs `pct unlock <id>` over SSH, tolerating up to two
// spurious failures (§4.7 step 9).
func (m *Manager) forceUnlockTolerant(ctx context.Context, node string, id int) error {
	shell, err := m.shell(ctx, node)
	if err != nil {
		return fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, node, err)
	}
	defer shell.Close()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		status, _, stderr, err := shell.Exec(ctx, fmt.Sprintf("pct unlock %d", id))
		if err == nil && status == 0 {
			return nil
		}
		lastErr = fmt.Errorf("unlock attempt %d failed: %s", attempt+1, tail(stderr))
		if attempt >= 2 {
			break
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrResourceUnavailable, lastErr)
}

// createVM implements the VM path of §4.7 step 10: create a randomized
// stub object, rediscover its authoritative vmid, stage the disk over SSH,
// then reconfigure the stub into its final shape.
func (m *Manager) createVM(ctx context.Context, node, fqdn string, candidateID int, image types.Image, diskPath string, meta types.Metadata) (transport.VMResource, error) {
	hostname, _ := os.Hostname()
	stubName := fmt.Sprintf("stub-%s-%s-%d-%d", fqdn, hostname, os.Getpid(), time.Now().Unix())
	stubName = stubName + "-" + uuid.NewString()[:8]

	if err := m.api.CreateGuest(ctx, node, "qemu", map[string]string{
		"vmid": fmt.Sprintf("%d", candidateID),
		"name": stubName,
	}); err != nil {
		return transport.VMResource{}, fmt.Errorf("%w: create vm stub: %v", errs.ErrResourceUnavailable, err)
	}

	stub, err := m.waitCreated(ctx, stubName, "qemu")
	if err != nil {
		return transport.VMResource{}, err
	}

	if err := m.stageVMDisk(ctx, stub.Node, stub.ID, image, diskPath); err != nil {
		_ = m.api.DeleteGuest(ctx, stub.Node, "qemu", stub.ID)
		return transport.VMResource{}, err
	}

	desc, err := encodeOrFail(meta)
	if err != nil {
		_ = m.api.DeleteGuest(ctx, stub.Node, "qemu", stub.ID)
		return transport.VMResource{}, err
	}

	reconfigure := map[string]string{
		"name":        fqdn,
		"agent":       "1",
		"description": desc,
		"virtio0":     fmt.Sprintf("%s:%d/primary.%s", m.cluster.StoragePoolInstances, stub.ID, diskSuffix(image)),
		"cores":       fmt.Sprintf("%d", image.Specs.Cores),
		"memory":      fmt.Sprintf("%d", image.Specs.MemoryMB),
		"balloon":     fmt.Sprintf("%d", minInt(image.Specs.MemoryMB, 256)),
		"bios":        "ovmf",
		"efidisk0":    fmt.Sprintf("%s:1,efitype=4m", m.cluster.StoragePoolInstances),
		"scsihw":      "virtio-scsi-pci",
		"machine":     "q35",
		"serial0":     "socket",
		"bootdisk":    "virtio0",
		"rng0":        "source=/dev/urandom",
	}
	if err := m.api.SetConfig(ctx, stub.Node, "qemu", stub.ID, reconfigure); err != nil {
		_ = m.api.DeleteGuest(ctx, stub.Node, "qemu", stub.ID)
		return transport.VMResource{}, fmt.Errorf("%w: reconfigure vm stub: %v", errs.ErrResourceUnavailable, err)
	}

	if err := m.waitLockReleased(ctx, stub.Node, "qemu", stub.ID); err != nil {
		return transport.VMResource{}, err
	}

	if err := m.api.ResizeDisk(ctx, stub.Node, "qemu", stub.ID, "virtio0", fmt.Sprintf("%dG", image.Specs.DiskSpaceGB)); err != nil {
		return transport.VMResource{}, fmt.Errorf("%w: resize vm disk: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.waitLockReleased(ctx, stub.Node, "qemu", stub.ID); err != nil {
		return transport.VMResource{}, err
	}

	return transport.VMResource{ID: stub.ID, Type: "qemu", Name: fqdn, Node: stub.Node, Status: stub.Status}, nil
}

// stageVMDisk copies the materialized disk into the guest's per-id image
// folder as primary.<fmt> and creates a 128K efi.qcow2, over SSH.
func (m *Manager) stageVMDisk(ctx context.Context, node string, id int, image types.Image, diskPath string) error {
	shell, err := m.shell(ctx, node)
	if err != nil {
		return fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, node, err)
	}
	defer shell.Close()

	base, err := m.api.StoragePath(ctx, m.cluster.StoragePoolInstances)
	if err != nil {
		return fmt.Errorf("%w: resolve storage path for %s: %v", errs.ErrResourceUnavailable, m.cluster.StoragePoolInstances, err)
	}
	folder := fmt.Sprintf("%s/images/%d", base, id)
	primary := fmt.Sprintf("%s/primary.%s", folder, diskSuffix(image))
	efi := fmt.Sprintf("%s/efi.qcow2", folder)

	cmds := []string{
		fmt.Sprintf("mkdir -p %s", folder),
		fmt.Sprintf("cp %s %s", diskPath, primary),
		fmt.Sprintf("qemu-img create -f qcow2 %s 128K", efi),
	}
	for _, cmd := range cmds {
		status, _, stderr, err := shell.Exec(ctx, cmd)
		if err != nil || status != 0 {
			return fmt.Errorf("%w: stage vm disk (%s): %s", errs.ErrResourceUnavailable, cmd, tail(stderr))
		}
	}
	return nil
}

func diskSuffix(image types.Image) string {
	if image.DiskFormat == types.DiskFormatQcow2 {
		return "qcow2"
	}
	return "raw"
}

func candidateVMID(fqdn string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fqdn))
	const lo, hi = 1000, 5_000_000
	return lo + int(h.Sum32())%(hi-lo)
}

func todayUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func isNotFound(err error) bool {
	return errs.Classify(err) == errs.KindNotFound
}

func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func encodeOrFail(meta types.Metadata) (string, error) {
	desc, err := codec.Encode(meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrMalformedMetadata, err)
	}
	return desc, nil
}
