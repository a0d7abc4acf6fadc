package corestate

import "sync/atomic"

// Core holds the single process-wide Shared Core: a lock-free, atomically
// swappable pointer to the current Snapshot. A reader is never handed a
// snapshot that's only partially installed — it sees the whole old
// Snapshot or the whole new one.
type Core struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewCore creates a Core holding the given initial snapshot.
func NewCore(initial *Snapshot) *Core {
	c := &Core{}
	c.snapshot.Store(initial)
	return c
}

// Load returns the currently installed Snapshot. Safe for concurrent use
// by any number of readers; never blocks on a concurrent Store.
func (c *Core) Load() *Snapshot {
	return c.snapshot.Load()
}

// Store installs a new Snapshot, replacing whatever was there. Its
// callers are the Reload Engine and the scheduler's ValidateLicense
// worker. Readers that
// called Load before this Store keep seeing the old Snapshot; they are
// never handed a torn mix of old and new fields.
func (c *Core) Store(s *Snapshot) {
	c.snapshot.Store(s)
}

// Versions holds the monotonic counters downstream components use to
// detect that a reload of a particular kind has happened, without
// needing to compare whole Snapshot values. Bumped exactly once per
// successful non-dry-run reload of the matching kind.
type Versions struct {
	configVersion    atomic.Int64
	blockedIPVersion atomic.Int64
}

// ConfigVersion returns the current configuration version.
func (v *Versions) ConfigVersion() int64 { return v.configVersion.Load() }

// BumpConfig increments the configuration version and returns the new value.
func (v *Versions) BumpConfig() int64 { return v.configVersion.Add(1) }

// BlockedIPVersion returns the current blocked-IP list version.
func (v *Versions) BlockedIPVersion() int64 { return v.blockedIPVersion.Load() }

// BumpBlockedIP increments the blocked-IP version and returns the new value.
func (v *Versions) BumpBlockedIP() int64 { return v.blockedIPVersion.Add(1) }
