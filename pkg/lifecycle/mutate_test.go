package lifecycle

import (
	"context"
	"strings"
	"testing"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartContainerPushesNetConfigAndFirewall(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, inst := addGuest(t, api, types.KindContainer, "web.alice.container.cloud.example", "pve1", baseMetadata("alice", "10.20.0.10", "02:00:00:01:02:03"), types.StatusStopped)

	require.NoError(t, mgr.Start(context.Background(), &inst))
	assert.Equal(t, types.StatusRunning, inst.Status)

	api.mu.Lock()
	net0, _ := api.guests[inst.ID].config["net0"].(string)
	firewall := api.firewall[inst.ID]
	ipsets := api.ipsets[inst.ID]
	api.mu.Unlock()

	assert.Contains(t, net0, "bridge=vmbr0")
	assert.Contains(t, net0, "ip=10.20.0.10/24")
	assert.Equal(t, "1", firewall["ipfilter"])
	assert.Equal(t, []string{"10.20.0.10/32"}, ipsets["ipfilter-net0"])
}

func TestStartVMWritesCloudInitSnippetsAndAttachesDrive(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mgr := newTestManager(api, fakeShellFactory(shell), nil)

	_, inst := addGuest(t, api, types.KindVM, "db.bob.vm.cloud.example", "pve1", baseMetadata("bob", "10.20.0.11", "02:00:00:01:02:04"), types.StatusStopped)

	require.NoError(t, mgr.Start(context.Background(), &inst))
	assert.Equal(t, types.StatusRunning, inst.Status)

	require.Len(t, shell.files, 3)
	var sawUserdata, sawNetworkconfig bool
	for path, content := range shell.files {
		if strings.HasSuffix(path, ".userdata.yml") {
			sawUserdata = true
			assert.Contains(t, string(content), "qemu-guest-agent")
		}
		if strings.HasSuffix(path, ".networkconfig.yml") {
			sawNetworkconfig = true
			assert.Contains(t, string(content), "02:00:00:01:02:04")
		}
	}
	assert.True(t, sawUserdata)
	assert.True(t, sawNetworkconfig)

	api.mu.Lock()
	cicustom, _ := api.guests[inst.ID].config["cicustom"].(string)
	api.mu.Unlock()
	assert.Contains(t, cicustom, "db.bob.vm.cloud.example")
}

func TestReinstallOnlyAppliesToVMs(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, inst := addGuest(t, api, types.KindContainer, "web.alice.container.cloud.example", "pve1", baseMetadata("alice", "10.20.0.10", "02:00:00:01:02:03"), types.StatusStopped)

	err := mgr.Reinstall(context.Background(), &inst)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestReinstallWritesSentinelUserdata(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mgr := newTestManager(api, fakeShellFactory(shell), nil)

	_, inst := addGuest(t, api, types.KindVM, "db.bob.vm.cloud.example", "pve1", baseMetadata("bob", "10.20.0.11", "02:00:00:01:02:04"), types.StatusStopped)

	require.NoError(t, mgr.Reinstall(context.Background(), &inst))
	assert.Equal(t, types.StatusRunning, inst.Status)

	var found bool
	for path, content := range shell.files {
		if strings.HasSuffix(path, ".userdata.yml") {
			found = true
			assert.Contains(t, string(content), "cloud-init clean")
			assert.Contains(t, string(content), "shutdown -h now")
		}
	}
	assert.True(t, found)
}

func TestResetRootUserRequiresRunning(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, inst := addGuest(t, api, types.KindContainer, "web.alice.container.cloud.example", "pve1", baseMetadata("alice", "10.20.0.10", "02:00:00:01:02:03"), types.StatusStopped)

	_, _, _, err := mgr.ResetRootUser(context.Background(), &inst, nil)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestResetRootUserContainerInstallsKeyOverSSH(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mgr := newTestManager(api, fakeShellFactory(shell), nil)

	_, inst := addGuest(t, api, types.KindContainer, "web.alice.container.cloud.example", "pve1", baseMetadata("alice", "10.20.0.10", "02:00:00:01:02:03"), types.StatusRunning)

	password, privateKey, result, err := mgr.ResetRootUser(context.Background(), &inst, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, password)
	assert.Contains(t, privateKey, "PRIVATE KEY")
	assert.NotEmpty(t, result.PasswordHash)
	assert.Equal(t, result, inst.Metadata.RootUser)

	var sawAuthorizedKeys, sawSshdConfig bool
	for _, cmd := range shell.execLog {
		if strings.Contains(cmd, "authorized_keys") {
			sawAuthorizedKeys = true
		}
		if strings.Contains(cmd, "sshd_config") {
			sawSshdConfig = true
		}
	}
	assert.True(t, sawAuthorizedKeys)
	assert.True(t, sawSshdConfig)
}

func TestResetRootUserVMUsesGuestAgent(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, inst := addGuest(t, api, types.KindVM, "db.bob.vm.cloud.example", "pve1", baseMetadata("bob", "10.20.0.11", "02:00:00:01:02:04"), types.StatusRunning)
	api.agentOnline[inst.ID] = true

	supplied := &types.RootUser{PasswordHash: "fixed-hash", SSHPublicKey: "ssh-ed25519 AAAA fixed"}
	password, privateKey, result, err := mgr.ResetRootUser(context.Background(), &inst, supplied)
	require.NoError(t, err)
	assert.Empty(t, password)
	assert.Empty(t, privateKey)
	assert.Equal(t, "fixed-hash", result.PasswordHash)

	api.mu.Lock()
	pw := api.agentPasswords[inst.ID]
	keyFile := string(api.agentFiles[inst.ID]["/root/.ssh/authorized_keys"])
	api.mu.Unlock()

	assert.Equal(t, "fixed-hash", pw)
	assert.Contains(t, keyFile, "ssh-ed25519 AAAA fixed")
	assert.Equal(t, result, inst.Metadata.RootUser)
}

func TestResetRootUserVMFailsWithoutGuestAgent(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, inst := addGuest(t, api, types.KindVM, "db.bob.vm.cloud.example", "pve1", baseMetadata("bob", "10.20.0.11", "02:00:00:01:02:04"), types.StatusRunning)

	_, _, _, err := mgr.ResetRootUser(context.Background(), &inst, nil)
	assert.ErrorIs(t, err, errs.ErrResourceUnavailable)
}
