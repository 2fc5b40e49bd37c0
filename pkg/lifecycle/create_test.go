package lifecycle

import (
	"context"
	"fmt"
	"testing"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateContainerHappyPath(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mat := &fakeMaterializer{path: "/mnt/pve/images/template/container/debian-12.tar.gz"}
	mgr := newTestManager(api, fakeShellFactory(shell), mat)

	inst, err := mgr.Create(context.Background(), CreateRequest{
		Kind:     types.KindContainer,
		Account:  "alice",
		Hostname: "web",
		ImageID:  "debian-12",
	})
	require.NoError(t, err)
	assert.Equal(t, "web.alice.container.cloud.example", inst.FQDN)
	assert.Equal(t, "pve1", inst.Node)
	assert.Equal(t, types.StatusStopped, inst.Status)
	assert.NotEmpty(t, inst.Metadata.Network.NICAllocation.PrimaryIP())
	assert.NotEmpty(t, inst.Metadata.RootUser.PasswordHash)
	assert.Contains(t, inst.Metadata.Network.VHosts, "web-alice-container.svc.cloud.example")

	api.mu.Lock()
	g, ok := api.guests[inst.ID]
	api.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "fuse=1,keyctl=1,nesting=1", g.config["features"])

	found := false
	want := fmt.Sprintf("pct unlock %d", inst.ID)
	for _, cmd := range shell.execLog {
		if cmd == want {
			found = true
		}
	}
	assert.True(t, found, "expected a force-unlock attempt in the shell log, got %v", shell.execLog)
}

func TestCreateVMHappyPath(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mat := &fakeMaterializer{path: "/mnt/pve/images/template/vm/debian-12.qcow2"}
	mgr := newTestManager(api, fakeShellFactory(shell), mat)

	inst, err := mgr.Create(context.Background(), CreateRequest{
		Kind:     types.KindVM,
		Account:  "bob",
		Hostname: "db",
		ImageID:  "debian-12-vm",
	})
	require.NoError(t, err)
	assert.Equal(t, "db.bob.vm.cloud.example", inst.FQDN)
	assert.Equal(t, types.StatusStopped, inst.Status)

	api.mu.Lock()
	g, ok := api.guests[inst.ID]
	api.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "db.bob.vm.cloud.example", g.name)
	assert.Contains(t, g.config["virtio0"], "primary.qcow2")
	assert.Equal(t, "ovmf", g.config["bios"])
}

func TestCreateRejectsDuplicateAccountHostname(t *testing.T) {
	api := newFakeAPI()
	shell := newFakeShell()
	mat := &fakeMaterializer{path: "/x"}
	mgr := newTestManager(api, fakeShellFactory(shell), mat)

	req := CreateRequest{Kind: types.KindContainer, Account: "alice", Hostname: "web", ImageID: "debian-12"}
	_, err := mgr.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestCreateUnknownImageFails(t *testing.T) {
	api := newFakeAPI()
	mgr := newTestManager(api, nil, nil)

	_, err := mgr.Create(context.Background(), CreateRequest{
		Kind: types.KindContainer, Account: "alice", Hostname: "web", ImageID: "does-not-exist",
	})
	assert.ErrorIs(t, err, errs.ErrImageNotFound)
}
