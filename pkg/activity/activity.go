// Package activity implements the Activity Tracker (C10): pure derivations
// over instance metadata and per-kind inactivity policy, used to compute
// whether an instance counts as active and when it is due for shutdown or
// deletion. Nothing here touches the hypervisor; callers persist the result
// through pkg/codec and pkg/lifecycle.
package activity

import (
	"time"

	"github.com/netsoc/instanced/pkg/config"
	"github.com/netsoc/instanced/pkg/types"
)

// MarkActive returns m with inactivity.marked_active_at set to today (UTC,
// truncated to a day), per §4.7. Applying it twice within the same day is a
// no-op in effect (§8 idempotence law).
func MarkActive(m types.Metadata, now time.Time) types.Metadata {
	m.Inactivity.MarkedActiveAt = startOfDay(now)
	return m
}

// IsActive evaluates invariant 5 of §8:
// active = permanent ∨ (¬tos.suspended ∧ (today − marked_active_at) < K_shutdown(kind)).
func IsActive(m types.Metadata, kind types.Kind, policy config.InactivityPolicy, now time.Time) bool {
	if m.Permanent {
		return true
	}
	if m.TOS.Suspended {
		return false
	}
	return now.Sub(m.Inactivity.MarkedActiveAt) < policy.Shutdown(kind)
}

// ShutdownDate returns the date at which an instance becomes due for
// inactivity shutdown, i.e. marked_active_at + K_shutdown(kind). The engine
// exposes this as a computed field; it does not itself enforce it (§9
// supplemented features: an external reaper is the natural caller).
func ShutdownDate(m types.Metadata, kind types.Kind, policy config.InactivityPolicy) time.Time {
	return m.Inactivity.MarkedActiveAt.Add(policy.Shutdown(kind))
}

// DeletionDate returns the date at which an instance becomes due for
// inactivity deletion, i.e. marked_active_at + K_delete(kind). Like
// ShutdownDate, this is exposed-not-enforced.
func DeletionDate(m types.Metadata, kind types.Kind, policy config.InactivityPolicy) time.Time {
	return m.Inactivity.MarkedActiveAt.Add(policy.Delete(kind))
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
