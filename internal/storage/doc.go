// Package storage persists the State Store and the Subscription Registry.
//
// It holds:
//   - one current snapshot plus poll metadata per identity
//   - subscriptions with their linked push groups, and group preferences
//   - the notification dedup window (best-effort across restarts)
//   - apps known to have no achievement stats
//   - an audit trail of admin actions
//
// Drivers: sqlite (default), file (journal + compacted image), memory.
package storage
