// Package catalogue resolves an image id to its catalogue entry. The
// catalogue is process configuration, not I/O: it is built once from
// config.Config.Images and looked up in memory thereafter.
package catalogue

import (
	"fmt"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
)

// Catalogue is a read-only lookup table from (kind, image id) to Image.
type Catalogue struct {
	byKind map[types.Kind]map[string]types.Image
}

// New builds a Catalogue from a flat image list, bucketing by the disk
// format each image implies: tar_gz images serve containers, qcow2 images
// serve VMs (§3 invariant).
func New(images []types.Image) *Catalogue {
	c := &Catalogue{byKind: map[types.Kind]map[string]types.Image{
		types.KindContainer: {},
		types.KindVM:        {},
	}}
	for _, img := range images {
		switch img.DiskFormat {
		case types.DiskFormatTarGz:
			c.byKind[types.KindContainer][img.ID] = img
		case types.DiskFormatQcow2:
			c.byKind[types.KindVM][img.ID] = img
		}
	}
	return c
}

// Resolve returns the Image for (kind, imageID), or errs.ErrImageNotFound.
func (c *Catalogue) Resolve(kind types.Kind, imageID string) (types.Image, error) {
	bucket, ok := c.byKind[kind]
	if !ok {
		return types.Image{}, fmt.Errorf("%w: unknown kind %q", errs.ErrImageNotFound, kind)
	}
	img, ok := bucket[imageID]
	if !ok {
		return types.Image{}, fmt.Errorf("%w: %s/%s", errs.ErrImageNotFound, kind, imageID)
	}
	return img, nil
}

// List returns every catalogued image for a kind.
func (c *Catalogue) List(kind types.Kind) []types.Image {
	bucket := c.byKind[kind]
	out := make([]types.Image, 0, len(bucket))
	for _, img := range bucket {
		out = append(out, img)
	}
	return out
}
