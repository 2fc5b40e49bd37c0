// Package codec implements the read-modify-write protocol on top of the
// hypervisor's free-form instance description field: encoding a
// types.Metadata value into a human-readable structured document, and
// decoding it back.
//
// Decoding always targets the fixed Metadata struct, never a
// map[string]interface{} or yaml.Node — the hypervisor's description field
// is attacker-reachable (any cluster user can, in principle, corrupt their
// own instance's description), so the codec never gives the YAML decoder a
// shape general enough to carry executable tags or type confusion.
package codec

import (
	"fmt"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"gopkg.in/yaml.v3"
)

// Encode serializes Metadata into the document stored in the hypervisor's
// description field. Key order is stable because it follows the struct's
// field declaration order (and yaml.v3 sorts map keys), so two encodings
// of an unchanged value are byte-identical.
func Encode(m types.Metadata) (string, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(out), nil
}

// Decode parses a description field back into Metadata. A description that
// fails to parse, or that parses but is missing required fields, returns
// errs.ErrMalformedMetadata — callers doing a tolerant bulk read turn this
// into a remark instead of aborting; callers doing a direct read propagate
// it as a hard error (§4.2).
func Decode(description string) (types.Metadata, error) {
	var m types.Metadata
	if err := yaml.Unmarshal([]byte(description), &m); err != nil {
		return types.Metadata{}, fmt.Errorf("%w: %v", errs.ErrMalformedMetadata, err)
	}
	if err := validate(m); err != nil {
		return types.Metadata{}, fmt.Errorf("%w: %v", errs.ErrMalformedMetadata, err)
	}
	return m, nil
}

// validate enforces the minimal shape a decoded Metadata must have to be
// usable: an owner, and a non-empty primary NIC allocation.
func validate(m types.Metadata) error {
	if m.Owner == "" {
		return fmt.Errorf("missing owner")
	}
	if len(m.Network.NICAllocation.Addresses) == 0 {
		return fmt.Errorf("missing nic allocation addresses")
	}
	if m.Network.NICAllocation.MAC == "" {
		return fmt.Errorf("missing nic allocation mac")
	}
	return nil
}
