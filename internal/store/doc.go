// Package store provides the SQLite-backed record store of the forecast server.
//
// Collections:
//   - pending_tasks: the durable task queue consumed by the dispatcher
//   - log_entries: one row per terminal task result
//   - timeline_entries: append-only, versioned timeline snapshots
//   - alias_families / alias_members: stable timeline ids across catalog id churn
//   - relay_items: the relay ledger, also served to the partner as a change stream
//   - catalog_snapshots: zstd-compressed aftershock catalogs used by forecasts
//
// # Ordering
//
// Tasks are ordered by (sched_time, id). Timeline entries by (entry_time, id).
// Relay items by (relay_time, seq) for authority and by seq for the change
// stream. The autoincrement columns are the deterministic tiebreak; wall
// clock values are never compared across rows written by different servers
// except through relay_time.
//
// # Atomicity
//
// Commit applies everything a task produced (timeline appends, alias
// versions, new tasks, the task's own delete-or-restage and its log entry) in
// one transaction. SubmitRelay performs its stale check and insert in one
// transaction, so concurrent submissions for the same relay id serialize.
//
// # Errors
//
// Every driver error is returned as a fault.KindPersistence error naming the
// collection. Missing single rows are reported as ErrNotFound.
//
// # Database Configuration
//
//   - WAL mode: readers (CLI, partner endpoint) run beside the dispatcher
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - user_version tracks applied migrations
package store
