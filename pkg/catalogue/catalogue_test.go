package catalogue

import (
	"testing"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImages() []types.Image {
	return []types.Image{
		{ID: "alpine-3.18", DiskFile: "alpine-3.18.tar.gz", DiskFormat: types.DiskFormatTarGz, Specs: types.Specs{Cores: 1, MemoryMB: 512, SwapMB: 512, DiskSpaceGB: 8}},
		{ID: "debian-12", DiskFile: "debian-12.qcow2", DiskFormat: types.DiskFormatQcow2, Specs: types.Specs{Cores: 2, MemoryMB: 2048, SwapMB: 0, DiskSpaceGB: 20}},
	}
}

func TestResolveContainer(t *testing.T) {
	c := New(testImages())
	img, err := c.Resolve(types.KindContainer, "alpine-3.18")
	require.NoError(t, err)
	assert.Equal(t, types.DiskFormatTarGz, img.DiskFormat)
}

func TestResolveVM(t *testing.T) {
	c := New(testImages())
	img, err := c.Resolve(types.KindVM, "debian-12")
	require.NoError(t, err)
	assert.Equal(t, types.DiskFormatQcow2, img.DiskFormat)
}

func TestResolveCrossKindMiss(t *testing.T) {
	c := New(testImages())
	_, err := c.Resolve(types.KindVM, "alpine-3.18")
	assert.ErrorIs(t, err, errs.ErrImageNotFound)
}

func TestResolveUnknown(t *testing.T) {
	c := New(testImages())
	_, err := c.Resolve(types.KindContainer, "does-not-exist")
	assert.ErrorIs(t, err, errs.ErrImageNotFound)
}
