package activity

import (
	"testing"
	"time"

	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/stretchr/testify/assert"
)

func testPolicy() config.InactivityPolicy {
	return config.InactivityPolicy{
		ContainerShutdownAfter: 7 * 24 * time.Hour,
		ContainerDeleteAfter:   30 * 24 * time.Hour,
		VMShutdownAfter:        14 * 24 * time.Hour,
		VMDeleteAfter:          60 * 24 * time.Hour,
	}
}

func TestMarkActiveSetsStartOfDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 15, 42, 0, 0, time.UTC)
	m := MarkActive(types.Metadata{}, now)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), m.Inactivity.MarkedActiveAt)
}

func TestMarkActiveIdempotentWithinDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 15, 42, 0, 0, time.UTC)
	later := now.Add(3 * time.Hour)
	once := MarkActive(types.Metadata{}, now)
	twice := MarkActive(once, later)
	assert.Equal(t, once.Inactivity.MarkedActiveAt, twice.Inactivity.MarkedActiveAt)
}

func TestIsActivePermanentOverridesEverything(t *testing.T) {
	m := types.Metadata{Permanent: true, TOS: types.TOS{Suspended: true}}
	assert.True(t, IsActive(m, types.KindContainer, testPolicy(), time.Now()))
}

func TestIsActiveSuspendedIsNeverActive(t *testing.T) {
	now := time.Now().UTC()
	m := types.Metadata{Inactivity: types.Inactivity{MarkedActiveAt: now}, TOS: types.TOS{Suspended: true}}
	assert.False(t, IsActive(m, types.KindContainer, testPolicy(), now))
}

func TestIsActiveWithinThreshold(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m := types.Metadata{Inactivity: types.Inactivity{MarkedActiveAt: now.Add(-24 * time.Hour)}}
	assert.True(t, IsActive(m, types.KindContainer, testPolicy(), now))
}

func TestIsActivePastThreshold(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m := types.Metadata{Inactivity: types.Inactivity{MarkedActiveAt: now.Add(-8 * 24 * time.Hour)}}
	assert.False(t, IsActive(m, types.KindContainer, testPolicy(), now))
}

func TestShutdownAndDeletionDates(t *testing.T) {
	markedActive := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m := types.Metadata{Inactivity: types.Inactivity{MarkedActiveAt: markedActive}}
	policy := testPolicy()

	assert.Equal(t, markedActive.Add(7*24*time.Hour), ShutdownDate(m, types.KindContainer, policy))
	assert.Equal(t, markedActive.Add(30*24*time.Hour), DeletionDate(m, types.KindContainer, policy))
	assert.Equal(t, markedActive.Add(14*24*time.Hour), ShutdownDate(m, types.KindVM, policy))
	assert.Equal(t, markedActive.Add(60*24*time.Hour), DeletionDate(m, types.KindVM, policy))
}
