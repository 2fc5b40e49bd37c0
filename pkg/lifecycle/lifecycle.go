// Package lifecycle implements the Instance Lifecycle Manager (C7): the
// component that actually mutates cluster objects — create, delete,
// start, stop, credential reset, activity marking, and vhost/port
// mutation — by driving the hypervisor REST API and the per-node shell
// through their read-modify-write contract over the description field
// (C2).
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/netsoc/instanced/pkg/activity"
	"github.com/netsoc/instanced/pkg/allocator"
	"github.com/netsoc/instanced/pkg/catalogue"
	"github.com/netsoc/instanced/pkg/codec"
	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/selector"
	"github.com/netsoc/instanced/pkg/transport"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/rs/zerolog"
)

// HypervisorAPI is the subset of transport.RESTClient the lifecycle manager
// drives. It is declared here, narrowed to what this package actually
// calls, so tests can supply a fake without standing up a real cluster.
type HypervisorAPI interface {
	ListNodes(ctx context.Context) ([]transport.NodeResource, error)
	ListGuests(ctx context.Context) ([]transport.VMResource, error)
	StoragePath(ctx context.Context, storageID string) (string, error)
	GetConfig(ctx context.Context, node, guestType string, id int) (transport.GuestConfig, error)
	SetConfig(ctx context.Context, node, guestType string, id int, fields map[string]string) error
	CreateGuest(ctx context.Context, node, guestType string, fields map[string]string) error
	DeleteGuest(ctx context.Context, node, guestType string, id int) error
	Status(ctx context.Context, node, guestType string, id int) (string, error)
	StatusAction(ctx context.Context, node, guestType string, id int, action string) error
	ResizeDisk(ctx context.Context, node, guestType string, id int, disk, size string) error
	SetFirewallOptions(ctx context.Context, node, guestType string, id int, fields map[string]string) error
	ReplaceIPSet(ctx context.Context, node, guestType string, id int, name string, cidrs []string) error
	AgentPing(ctx context.Context, node string, id int) error
	AgentSetUserPassword(ctx context.Context, node string, id int, username, value string, crypted bool) error
	AgentFileWrite(ctx context.Context, node string, id int, path string, content []byte) error
	AgentExec(ctx context.Context, node string, id int, command []string) error
}

// ShellFactory acquires a scoped shell to a named node (pkg/transport's
// ScopedNodeShell), injected so tests can substitute a fake shell.
type ShellFactory func(ctx context.Context, node string) (transport.NodeShell, error)

// Materializer ensures an image's disk is present on a node (C6).
type Materializer interface {
	Materialize(ctx context.Context, shell transport.NodeShell, image types.Image, targetFolder string) (string, error)
}

// DomainValidate classifies a (instance, domain) pair, returning remarks to
// attach when invalid. It matches pkg/validator.Validator.Validate's
// signature, the collaborator this is normally wired to.
type DomainValidate func(inst *types.Instance, domain string) (bool, []string)

// Manager drives the full instance lifecycle against a hypervisor cluster.
type Manager struct {
	api            HypervisorAPI
	shell          ShellFactory
	catalogue      *catalogue.Catalogue
	selector       *selector.Selector
	allocator      *allocator.Allocator
	materializer   Materializer
	cluster        config.Cluster
	network        config.Network
	timeouts       config.Timeouts
	inactivity     config.InactivityPolicy
	domainValidate DomainValidate
	logger         zerolog.Logger
}

// New creates a Manager. domainValidate may be nil, in which case bulk reads
// skip vhost-validation remarks entirely (tests that don't care about §4.8).
func New(
	api HypervisorAPI,
	shell ShellFactory,
	cat *catalogue.Catalogue,
	sel *selector.Selector,
	alloc *allocator.Allocator,
	mat Materializer,
	cluster config.Cluster,
	network config.Network,
	timeouts config.Timeouts,
	inactivity config.InactivityPolicy,
	domainValidate DomainValidate,
) *Manager {
	return &Manager{
		api:            api,
		shell:          shell,
		catalogue:      cat,
		selector:       sel,
		allocator:      alloc,
		materializer:   mat,
		cluster:        cluster,
		network:        network,
		timeouts:       timeouts,
		inactivity:     inactivity,
		domainValidate: domainValidate,
		logger:         log.WithComponent("lifecycle"),
	}
}

func guestType(kind types.Kind) string {
	if kind == types.KindVM {
		return "qemu"
	}
	return "lxc"
}

// ReadInstances decodes every cluster guest into a types.Instance. When
// ignoreErrors is set, a guest whose description fails to decode yields a
// partial Instance carrying a decode-failure remark instead of aborting the
// whole read (§4.2/§7); when clear, the first decode failure aborts with
// errs.ErrMalformedMetadata. Successfully decoded instances additionally
// carry a remark for each vhost that fails domain validation (§4.8), when a
// DomainValidate was supplied to New.
func (m *Manager) ReadInstances(ctx context.Context, ignoreErrors bool) ([]*types.Instance, error) {
	guests, err := m.api.ListGuests(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list guests: %v", errs.ErrResourceUnavailable, err)
	}

	var out []*types.Instance
	for _, g := range guests {
		inst, err := m.readGuest(ctx, g, ignoreErrors)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out, nil
}

// ReadByAccount finds the instance owned by account with the given
// hostname and kind, or errs.ErrNotFound.
func (m *Manager) ReadByAccount(ctx context.Context, kind types.Kind, account, hostname string) (*types.Instance, error) {
	instances, err := m.ReadInstances(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Kind == kind && inst.Metadata.Owner == account && inst.Hostname == hostname {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s/%s", errs.ErrNotFound, kind, account, hostname)
}

// readGuest decodes a single guest. On a decode failure, ignoreErrors set
// returns (partial instance carrying a remark, nil) rather than (nil, err);
// ignoreErrors clear returns (nil, err). A nil, nil result (only reachable
// under ignoreErrors) tells ReadInstances to drop the guest silently; that
// path is currently unused but kept for parity with future non-decode
// tolerances.
func (m *Manager) readGuest(ctx context.Context, g transport.VMResource, ignoreErrors bool) (*types.Instance, error) {
	kind := types.KindContainer
	if g.Type == "qemu" {
		kind = types.KindVM
	}

	cfg, err := m.api.GetConfig(ctx, g.Node, guestType(kind), g.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: get config for %s: %v", errs.ErrResourceUnavailable, g.Name, err)
	}

	meta, err := codec.Decode(cfg.Str("description"))
	if err != nil {
		if !ignoreErrors {
			return nil, err
		}
		m.logger.Warn().Err(err).Str("name", g.Name).Msg("instance metadata failed to decode, surfacing as remark")
		return &types.Instance{
			Kind:     kind,
			ID:       g.ID,
			FQDN:     g.Name,
			Hostname: hostnameLabel(g.Name),
			Node:     g.Node,
			Status:   statusFromString(g.Status),
			Remarks:  []string{fmt.Sprintf("metadata failed to decode: %v", err)},
		}, nil
	}

	now := time.Now().UTC()
	inst := &types.Instance{
		Kind:                   kind,
		ID:                     g.ID,
		FQDN:                   g.Name,
		Hostname:               hostnameLabel(g.Name),
		Node:                   g.Node,
		Metadata:               meta,
		Status:                 statusFromString(g.Status),
		Active:                 activity.IsActive(meta, kind, m.inactivity, now),
		InactivityShutdownDate: activity.ShutdownDate(meta, kind, m.inactivity),
		InactivityDeletionDate: activity.DeletionDate(meta, kind, m.inactivity),
	}
	m.attachVHostRemarks(inst)
	return inst, nil
}

// attachVHostRemarks runs domain validation over every vhost configured for
// inst and appends a remark for each invalid one (§4.8), mirroring the
// vhost-validation remarks the original provider attaches per-guest on read.
func (m *Manager) attachVHostRemarks(inst *types.Instance) {
	if m.domainValidate == nil {
		return
	}
	domains := make([]string, 0, len(inst.Metadata.Network.VHosts))
	for domain := range inst.Metadata.Network.VHosts {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		if valid, remarks := m.domainValidate(inst, domain); !valid {
			inst.Remarks = append(inst.Remarks, remarks...)
		}
	}
}

func statusFromString(s string) types.Status {
	if s == string(types.StatusRunning) {
		return types.StatusRunning
	}
	return types.StatusStopped
}

func hostnameLabel(fqdn string) string {
	for i := 0; i < len(fqdn); i++ {
		if fqdn[i] == '.' {
			return fqdn[:i]
		}
	}
	return fqdn
}

// persist encodes m and writes it back as the guest's description, the
// read-modify-write pattern every mutation in this package follows (C2).
func (m *Manager) persist(ctx context.Context, inst *types.Instance, meta types.Metadata) error {
	desc, err := codec.Encode(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedMetadata, err)
	}
	if err := m.api.SetConfig(ctx, inst.Node, guestType(inst.Kind), inst.ID, map[string]string{"description": desc}); err != nil {
		return fmt.Errorf("%w: persist metadata: %v", errs.ErrResourceUnavailable, err)
	}
	inst.Metadata = meta
	return nil
}

// --- wait primitives (§4.7/§5) ---

// waitLockReleased polls config until no "lock" key is present.
func (m *Manager) waitLockReleased(ctx context.Context, node, gt string, id int) error {
	return m.poll(ctx, "lock_released", m.timeouts.LockWait, func() (bool, error) {
		cfg, err := m.api.GetConfig(ctx, node, gt, id)
		if err != nil {
			return false, err
		}
		return !cfg.HasLock(), nil
	})
}

// waitCreated polls cluster resources until a guest named fqdn exists with
// no lock and a matching name.
func (m *Manager) waitCreated(ctx context.Context, fqdn, gt string) (transport.VMResource, error) {
	var found transport.VMResource
	err := m.poll(ctx, "created", m.timeouts.CreationWait, func() (bool, error) {
		guests, err := m.api.ListGuests(ctx)
		if err != nil {
			return false, err
		}
		for _, g := range guests {
			if g.Name != fqdn || g.Type != gt {
				continue
			}
			cfg, err := m.api.GetConfig(ctx, g.Node, gt, g.ID)
			if err != nil || cfg.HasLock() {
				continue
			}
			found = g
			return true, nil
		}
		return false, nil
	})
	return found, err
}

// waitStatus polls until the guest reports the desired status.
func (m *Manager) waitStatus(ctx context.Context, node, gt string, id int, desired types.Status) error {
	return m.poll(ctx, "status", m.timeouts.StatusWait, func() (bool, error) {
		s, err := m.api.Status(ctx, node, gt, id)
		if err != nil {
			return false, err
		}
		return statusFromString(s) == desired, nil
	})
}

// waitGuestAgentPing polls the QEMU guest agent until it responds.
func (m *Manager) waitGuestAgentPing(ctx context.Context, node string, id int) error {
	return m.poll(ctx, "guest_agent", m.timeouts.GuestAgent, func() (bool, error) {
		if err := m.api.AgentPing(ctx, node, id); err != nil {
			return false, nil
		}
		return true, nil
	})
}

// poll runs check every PollInterval until it reports true, ctx is
// cancelled, or timeout elapses, in which case it returns
// errs.ErrResourceUnavailable (§5 timeout policy: never a silent pass).
// name labels the wait-primitive metrics (§5 observability).
func (m *Manager) poll(ctx context.Context, name string, timeout time.Duration, check func() (bool, error)) error {
	timer := metrics.NewTimer()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.timeouts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := check()
		if err == nil && ok {
			timer.ObserveDurationVec(metrics.WaitDuration, name)
			return nil
		}
		if time.Now().After(deadline) {
			metrics.WaitTimeoutsTotal.WithLabelValues(name).Inc()
			timer.ObserveDurationVec(metrics.WaitDuration, name)
			return fmt.Errorf("%w: timed out after %s", errs.ErrResourceUnavailable, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
