package selector

import (
	"testing"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectPicksHighestScore(t *testing.T) {
	s := New(nil)
	nodes := []NodeInfo{
		{Name: "leela", MaxMemMB: 16384, MemUsedMB: 15000, MaxCPU: 8},  // starved, low score
		{Name: "bender", MaxMemMB: 16384, MemUsedMB: 2000, MaxCPU: 8}, // plenty of headroom
	}
	required := types.Specs{Cores: 1, MemoryMB: 512}

	picked, err := s.Select(nodes, required)
	require.NoError(t, err)
	assert.Equal(t, "bender", picked.Name)
}

func TestSelectRemovesBlacklistedAfterScoring(t *testing.T) {
	s := New([]string{"bender"})
	nodes := []NodeInfo{
		{Name: "bender", MaxMemMB: 16384, MemUsedMB: 2000, MaxCPU: 8},
		{Name: "leela", MaxMemMB: 16384, MemUsedMB: 15000, MaxCPU: 8},
	}
	required := types.Specs{Cores: 1, MemoryMB: 512}

	picked, err := s.Select(nodes, required)
	require.NoError(t, err)
	assert.Equal(t, "leela", picked.Name)
}

func TestSelectNoSchedulable(t *testing.T) {
	s := New(nil)
	_, err := s.Select(nil, types.Specs{Cores: 1, MemoryMB: 512})
	assert.ErrorIs(t, err, errs.ErrNoSchedulable)
}

func TestSelectAllBlacklisted(t *testing.T) {
	s := New([]string{"only"})
	nodes := []NodeInfo{{Name: "only", MaxMemMB: 16384, MemUsedMB: 100, MaxCPU: 8}}
	_, err := s.Select(nodes, types.Specs{Cores: 1, MemoryMB: 512})
	assert.ErrorIs(t, err, errs.ErrNoSchedulable)
}
