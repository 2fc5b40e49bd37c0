package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/netsoc/instanced/pkg/activity"
	"github.com/netsoc/instanced/pkg/allocator"
	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/metrics"
	"github.com/netsoc/instanced/pkg/types"
)

// Delete removes inst's cluster object. It requires Stopped status; for
// VMs it first removes the three cloud-init snippet files (§4.7).
func (m *Manager) Delete(ctx context.Context, inst *types.Instance) error {
	if inst.Status != types.StatusStopped {
		return fmt.Errorf("%w: cannot delete %s while status is %s", errs.ErrResourceUnavailable, inst.FQDN, inst.Status)
	}
	if inst.Kind == types.KindVM {
		if err := m.removeCloudInitSnippets(ctx, inst); err != nil {
			return err
		}
	}
	if err := m.api.DeleteGuest(ctx, inst.Node, guestType(inst.Kind), inst.ID); err != nil {
		return fmt.Errorf("%w: delete guest %s: %v", errs.ErrResourceUnavailable, inst.FQDN, err)
	}
	return nil
}

func (m *Manager) snippetPaths(ctx context.Context, inst *types.Instance) ([]string, error) {
	storageBase, err := m.api.StoragePath(ctx, m.cluster.StoragePoolSnippets)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve storage path for %s: %v", errs.ErrResourceUnavailable, m.cluster.StoragePoolSnippets, err)
	}
	base := fmt.Sprintf("%s/snippets/%s", storageBase, inst.FQDN)
	return []string{base + ".networkconfig.yml", base + ".userdata.yml", base + ".metadata.yml"}, nil
}

func (m *Manager) removeCloudInitSnippets(ctx context.Context, inst *types.Instance) error {
	shell, err := m.shell(ctx, inst.Node)
	if err != nil {
		return fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, inst.Node, err)
	}
	defer shell.Close()

	paths, err := m.snippetPaths(ctx, inst)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, _, _, err := shell.Exec(ctx, fmt.Sprintf("rm -f %s", p)); err != nil {
			return fmt.Errorf("%w: remove snippet %s: %v", errs.ErrResourceUnavailable, p, err)
		}
	}
	return nil
}

// Start brings inst up per §4.7's per-kind configuration push, then issues
// start. It is idempotent: a drift-correcting config push is permitted on
// an already-running instance.
func (m *Manager) Start(ctx context.Context, inst *types.Instance) error {
	timer := metrics.NewTimer()
	if err := m.start(ctx, inst); err != nil {
		metrics.InstancesFailed.WithLabelValues(string(inst.Kind), "start").Inc()
		return err
	}
	timer.ObserveDurationVec(metrics.InstanceStartDuration, string(inst.Kind))
	return nil
}

func (m *Manager) start(ctx context.Context, inst *types.Instance) error {
	if inst.Kind == types.KindVM {
		if err := m.startVM(ctx, inst); err != nil {
			return err
		}
	} else {
		if err := m.startContainer(ctx, inst); err != nil {
			return err
		}
	}
	if err := m.api.StatusAction(ctx, inst.Node, guestType(inst.Kind), inst.ID, "start"); err != nil {
		return fmt.Errorf("%w: start %s: %v", errs.ErrResourceUnavailable, inst.FQDN, err)
	}
	if err := m.waitStatus(ctx, inst.Node, guestType(inst.Kind), inst.ID, types.StatusRunning); err != nil {
		return err
	}
	inst.Status = types.StatusRunning
	return nil
}

func (m *Manager) startContainer(ctx context.Context, inst *types.Instance) error {
	nic := inst.Metadata.Network.NICAllocation
	net0 := fmt.Sprintf(
		"name=eth0,bridge=%s,tag=%d,hwaddr=%s,ip=%s/%d,gw=%s,mtu=1450,rate=%.1f",
		m.network.Bridge, nic.VLAN, nic.MAC, nic.PrimaryIP(), primaryPrefix(nic), nic.Gateway4, 12.5,
	)
	if err := m.api.SetConfig(ctx, inst.Node, "lxc", inst.ID, map[string]string{
		"net0":       net0,
		"nameserver": "1.1.1.1",
	}); err != nil {
		return fmt.Errorf("%w: push container net config: %v", errs.ErrResourceUnavailable, err)
	}
	return m.enableFirewallAndIPSets(ctx, inst, "lxc")
}

func (m *Manager) startVM(ctx context.Context, inst *types.Instance) error {
	return m.startVMWithUserData(ctx, inst, cloudInitUserData(inst.Hostname))
}

// Reinstall triggers the VPS re-install sentinel (vps_clear_cloudinit=true,
// §4.7): the userdata snippet is replaced with a cloud-config that wipes
// cloud-init state and shuts the instance down, then the instance is
// started so the sentinel runs on next boot. A later Start call writes the
// canonical userdata again, so the instance comes back up normally once
// the caller starts it a second time. Only VMs carry cloud-init state.
func (m *Manager) Reinstall(ctx context.Context, inst *types.Instance) error {
	if inst.Kind != types.KindVM {
		return fmt.Errorf("%w: the re-install sentinel only applies to VMs", errs.ErrResourceUnavailable)
	}
	if inst.Status == types.StatusRunning {
		if err := m.Shutdown(ctx, inst); err != nil {
			return err
		}
	}
	if err := m.startVMWithUserData(ctx, inst, cloudInitReinstallUserData()); err != nil {
		return err
	}
	if err := m.api.StatusAction(ctx, inst.Node, "qemu", inst.ID, "start"); err != nil {
		return fmt.Errorf("%w: start %s for reinstall: %v", errs.ErrResourceUnavailable, inst.FQDN, err)
	}
	if err := m.waitStatus(ctx, inst.Node, "qemu", inst.ID, types.StatusRunning); err != nil {
		return err
	}
	inst.Status = types.StatusRunning
	return nil
}

func (m *Manager) startVMWithUserData(ctx context.Context, inst *types.Instance, userdata string) error {
	if err := m.removeCloudInitSnippets(ctx, inst); err != nil {
		return err
	}
	if err := m.api.SetConfig(ctx, inst.Node, "qemu", inst.ID, map[string]string{"ide2": "none,media=cdrom"}); err != nil {
		return fmt.Errorf("%w: detach cloud-init drive: %v", errs.ErrResourceUnavailable, err)
	}
	paths, err := m.snippetPaths(ctx, inst)
	if err != nil {
		return err
	}
	if err := m.writeCloudInitSnippets(ctx, inst, userdata, paths); err != nil {
		return err
	}

	snippetsRef := fmt.Sprintf("network=%s:snippets/%s,user=%s:snippets/%s,meta=%s:snippets/%s",
		m.cluster.StoragePoolSnippets, pathBase(paths[0]),
		m.cluster.StoragePoolSnippets, pathBase(paths[1]),
		m.cluster.StoragePoolSnippets, pathBase(paths[2]))

	nic := inst.Metadata.Network.NICAllocation
	net0 := fmt.Sprintf("virtio,macaddr=%s,bridge=%s,tag=%d,rate=%.1f", nic.MAC, m.network.Bridge, nic.VLAN, 12.5)

	if err := m.api.SetConfig(ctx, inst.Node, "qemu", inst.ID, map[string]string{
		"ide2":     fmt.Sprintf("%s:cloudinit,format=qcow2", m.cluster.StoragePoolInstances),
		"cicustom": snippetsRef,
		"net0":     net0,
	}); err != nil {
		return fmt.Errorf("%w: push vm config: %v", errs.ErrResourceUnavailable, err)
	}

	if err := m.enableFirewallAndIPSets(ctx, inst, "qemu"); err != nil {
		return err
	}
	return nil
}

func (m *Manager) enableFirewallAndIPSets(ctx context.Context, inst *types.Instance, gt string) error {
	if err := m.api.SetFirewallOptions(ctx, inst.Node, gt, inst.ID, map[string]string{
		"enable":  "1",
		"macfilter": "1",
		"ipfilter": "1",
	}); err != nil {
		return fmt.Errorf("%w: enable firewall filters: %v", errs.ErrResourceUnavailable, err)
	}
	for i, addr := range inst.Metadata.Network.NICAllocation.Addresses {
		name := fmt.Sprintf("ipfilter-net%d", i)
		if err := m.api.ReplaceIPSet(ctx, inst.Node, gt, inst.ID, name, []string{addr.IP + "/32"}); err != nil {
			return fmt.Errorf("%w: lock down egress for %s: %v", errs.ErrResourceUnavailable, addr.IP, err)
		}
	}
	return nil
}

func (m *Manager) writeCloudInitSnippets(ctx context.Context, inst *types.Instance, userdata string, paths []string) error {
	shell, err := m.shell(ctx, inst.Node)
	if err != nil {
		return fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, inst.Node, err)
	}
	defer shell.Close()

	nic := inst.Metadata.Network.NICAllocation
	networkconfig := cloudInitNetworkConfig(nic)

	docs := [][]byte{[]byte(networkconfig), []byte(userdata), []byte("{}\n")}
	for i, p := range paths {
		if err := shell.PutFile(ctx, p, docs[i], 0644, "root", "root"); err != nil {
			return fmt.Errorf("%w: write cloud-init snippet %s: %v", errs.ErrResourceUnavailable, p, err)
		}
	}
	return nil
}

func cloudInitUserData(hostname string) string {
	return fmt.Sprintf(`#cloud-config
hostname: %s
packages:
  - qemu-guest-agent
ssh_pwauth: true
disable_root: false
runcmd:
  - systemctl enable qemu-guest-agent
  - systemctl start qemu-guest-agent
`, hostname)
}

func cloudInitNetworkConfig(nic types.NICAllocation) string {
	var sb strings.Builder
	sb.WriteString("network:\n  version: 2\n  ethernets:\n    eth0:\n")
	sb.WriteString(fmt.Sprintf("      match:\n        macaddress: \"%s\"\n", nic.MAC))
	sb.WriteString("      set-name: eth0\n      addresses:\n")
	for _, a := range nic.Addresses {
		sb.WriteString(fmt.Sprintf("        - %s/%d\n", a.IP, a.Prefix))
	}
	sb.WriteString(fmt.Sprintf("      gateway4: %s\n", nic.Gateway4))
	sb.WriteString("      mtu: 1450\n      nameservers:\n        addresses: [1.1.1.1, 8.8.8.8]\n")
	return sb.String()
}

// cloudInitReinstallUserData implements the VPS re-install sentinel
// (vps_clear_cloudinit=true, §4.7): the next boot wipes cloud-init state
// and shuts itself down, so the canonical userdata reapplies on the boot
// after that.
func cloudInitReinstallUserData() string {
	return `#cloud-config
runcmd:
  - rm -f /etc/netplan/50-cloud-init.yaml
  - cloud-init clean --logs
  - rm -rf /var/lib/cloud
  - shutdown -h now
`
}

func pathBase(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx == -1 {
		return p
	}
	return p[idx+1:]
}

func primaryPrefix(nic types.NICAllocation) int {
	if len(nic.Addresses) == 0 {
		return 32
	}
	return nic.Addresses[0].Prefix
}

// Stop/Shutdown is best-effort when Running, idempotent otherwise (§4.7).
func (m *Manager) Shutdown(ctx context.Context, inst *types.Instance) error {
	if inst.Status != types.StatusRunning {
		return nil
	}
	if err := m.api.StatusAction(ctx, inst.Node, guestType(inst.Kind), inst.ID, "shutdown"); err != nil {
		return fmt.Errorf("%w: shutdown %s: %v", errs.ErrResourceUnavailable, inst.FQDN, err)
	}
	if err := m.waitStatus(ctx, inst.Node, guestType(inst.Kind), inst.ID, types.StatusStopped); err != nil {
		return err
	}
	inst.Status = types.StatusStopped
	return nil
}

// MarkActive sets inst.metadata.inactivity.marked_active_at to today and
// persists it (§4.7).
func (m *Manager) MarkActive(ctx context.Context, inst *types.Instance) error {
	meta := activity.MarkActive(inst.Metadata, time.Now())
	if err := m.persist(ctx, inst, meta); err != nil {
		return err
	}
	inst.Active = activity.IsActive(meta, inst.Kind, m.inactivity, time.Now())
	inst.InactivityShutdownDate = activity.ShutdownDate(meta, inst.Kind, m.inactivity)
	inst.InactivityDeletionDate = activity.DeletionDate(meta, inst.Kind, m.inactivity)
	return nil
}

// ResetRootUser (re)generates root credentials and installs them, per
// §4.7. It requires inst.Status == Running.
func (m *Manager) ResetRootUser(ctx context.Context, inst *types.Instance, rootUser *types.RootUser) (plaintextPassword, sshPrivateKey string, result types.RootUser, err error) {
	if inst.Status != types.StatusRunning {
		return "", "", types.RootUser{}, fmt.Errorf("%w: reset root user requires %s to be running", errs.ErrResourceUnavailable, inst.FQDN)
	}

	if err := m.waitLockReleased(ctx, inst.Node, guestType(inst.Kind), inst.ID); err != nil {
		return "", "", types.RootUser{}, err
	}

	if rootUser != nil {
		result = *rootUser
	} else {
		plaintextPassword, sshPrivateKey, result, err = generateRootUser()
		if err != nil {
			return "", "", types.RootUser{}, fmt.Errorf("%w: generate root credentials: %v", errs.ErrResourceUnavailable, err)
		}
	}

	if inst.Kind == types.KindVM {
		if err := m.resetRootUserVM(ctx, inst, result); err != nil {
			return "", "", types.RootUser{}, err
		}
	} else {
		if err := m.resetRootUserContainer(ctx, inst, result); err != nil {
			return "", "", types.RootUser{}, err
		}
	}

	meta := inst.Metadata
	meta.RootUser = result
	if err := m.persist(ctx, inst, meta); err != nil {
		return "", "", types.RootUser{}, err
	}

	return plaintextPassword, sshPrivateKey, result, nil
}

const sshdConfigTemplate = `PermitRootLogin yes
Banner /etc/banner
`

func authorizedKeysBlock(pubKey string) string {
	return fmt.Sprintf("# --- BEGIN PVE ---\n%s\n# --- END PVE ---\n", strings.TrimSpace(pubKey))
}

func (m *Manager) resetRootUserContainer(ctx context.Context, inst *types.Instance, root types.RootUser) error {
	shell, err := m.shell(ctx, inst.Node)
	if err != nil {
		return fmt.Errorf("%w: acquire shell on %s: %v", errs.ErrResourceUnavailable, inst.Node, err)
	}
	defer shell.Close()

	run := func(cmd string) error {
		status, _, stderr, err := shell.Exec(ctx, fmt.Sprintf("pct exec %d -- %s", inst.ID, cmd))
		if err != nil || status != 0 {
			return fmt.Errorf("%w: %s: %s", errs.ErrResourceUnavailable, cmd, tail(stderr))
		}
		return nil
	}

	if err := run(fmt.Sprintf("sh -c 'echo root:%s | chpasswd -e'", root.PasswordHash)); err != nil {
		return err
	}
	if err := run("mkdir -p /root/.ssh"); err != nil {
		return err
	}

	authorizedKeys := authorizedKeysBlock(root.SSHPublicKey)
	bannerPath := "/etc/banner"
	for _, step := range []struct {
		path, content, mode string
	}{
		{"/root/.ssh/authorized_keys", authorizedKeys, "0600"},
		{bannerPath, banner(), "0644"},
		{"/etc/ssh/sshd_config", sshdConfigTemplate, "0644"},
	} {
		pushCmd := fmt.Sprintf("pct push %d /dev/stdin %s --perms %s", inst.ID, step.path, step.mode)
		if err := pushWithStdin(ctx, shell, pushCmd, step.content); err != nil {
			return fmt.Errorf("%w: install %s: %v", errs.ErrResourceUnavailable, step.path, err)
		}
	}
	if err := run("chown -R root:root /root/.ssh"); err != nil {
		return err
	}
	return run("service ssh restart")
}

func pushWithStdin(ctx context.Context, shell interface {
	Exec(ctx context.Context, cmd string) (int, []byte, []byte, error)
}, cmd, content string) error {
	// The scoped shell's Exec does not pipe stdin; pct push instead reads
	// from a heredoc embedded in the remote command line.
	full := fmt.Sprintf("cat <<'INSTANCED_EOF' | %s\n%s\nINSTANCED_EOF", cmd, content)
	status, _, stderr, err := shell.Exec(ctx, full)
	if err != nil || status != 0 {
		return fmt.Errorf("%s", tail(stderr))
	}
	return nil
}

func (m *Manager) resetRootUserVM(ctx context.Context, inst *types.Instance, root types.RootUser) error {
	if err := m.waitGuestAgentPing(ctx, inst.Node, inst.ID); err != nil {
		return err
	}
	if err := m.api.SetConfig(ctx, inst.Node, "qemu", inst.ID, map[string]string{"unlock": ""}); err != nil {
		return fmt.Errorf("%w: unlock vm: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentSetUserPassword(ctx, inst.Node, inst.ID, "root", root.PasswordHash, true); err != nil {
		return fmt.Errorf("%w: set vm root password: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentExec(ctx, inst.Node, inst.ID, []string{"mkdir", "-p", "/root/.ssh"}); err != nil {
		return fmt.Errorf("%w: create .ssh: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentFileWrite(ctx, inst.Node, inst.ID, "/root/.ssh/authorized_keys", []byte(authorizedKeysBlock(root.SSHPublicKey))); err != nil {
		return fmt.Errorf("%w: write authorized_keys: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentFileWrite(ctx, inst.Node, inst.ID, "/etc/ssh/sshd_config", []byte(sshdConfigTemplate)); err != nil {
		return fmt.Errorf("%w: write sshd_config: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentFileWrite(ctx, inst.Node, inst.ID, "/etc/banner", []byte(stripNonLatin1(banner()))); err != nil {
		return fmt.Errorf("%w: write banner: %v", errs.ErrResourceUnavailable, err)
	}
	if err := m.api.AgentExec(ctx, inst.Node, inst.ID, []string{"service", "ssh", "restart"}); err != nil {
		return fmt.Errorf("%w: restart ssh: %v", errs.ErrResourceUnavailable, err)
	}
	return nil
}

func banner() string {
	return "This system is managed by instanced. Unauthorized access is prohibited.\n"
}

func stripNonLatin1(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r <= unicode.MaxLatin1 {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// AddVHost checks domain availability against the rest of the cluster and,
// if available, inserts it into inst's vhosts (§4.7).
func (m *Manager) AddVHost(ctx context.Context, inst *types.Instance, domain string, opts types.VHostOptions, validate func(*types.Instance, string) bool) error {
	instances, err := m.ReadInstances(ctx, true)
	if err != nil {
		return err
	}
	if !allocator.IsDomainAvailable(instances, domain, validate) {
		return fmt.Errorf("%w: %s is already in use", errs.ErrDomainInvalid, domain)
	}
	if valid := validate(inst, domain); !valid {
		return fmt.Errorf("%w: %s failed validation", errs.ErrDomainInvalid, domain)
	}

	meta := inst.Metadata
	if meta.Network.VHosts == nil {
		meta.Network.VHosts = map[string]types.VHostOptions{}
	}
	meta.Network.VHosts[domain] = opts
	return m.persist(ctx, inst, meta)
}

// RemoveVHost deletes domain from inst's vhosts, a no-op if absent.
func (m *Manager) RemoveVHost(ctx context.Context, inst *types.Instance, domain string) error {
	meta := inst.Metadata
	delete(meta.Network.VHosts, domain)
	return m.persist(ctx, inst, meta)
}

// AddPort publishes external->internal on inst, rejecting a conflict
// against the cluster-wide port map.
func (m *Manager) AddPort(ctx context.Context, inst *types.Instance, external, internal int) error {
	instances, err := m.ReadInstances(ctx, true)
	if err != nil {
		return err
	}
	portMap, _ := m.allocator.PortMap(instances)
	if owner, conflict := portMap[external]; conflict && owner.FQDN != inst.FQDN {
		return fmt.Errorf("%w: external port %d is already held by %s", errs.ErrResourceUnavailable, external, owner.FQDN)
	}

	meta := inst.Metadata
	if meta.Network.Ports == nil {
		meta.Network.Ports = map[int]int{}
	}
	meta.Network.Ports[external] = internal
	return m.persist(ctx, inst, meta)
}

// RemovePort unpublishes external from inst, a no-op if absent (§8).
func (m *Manager) RemovePort(ctx context.Context, inst *types.Instance, external int) error {
	meta := inst.Metadata
	delete(meta.Network.Ports, external)
	return m.persist(ctx, inst, meta)
}
