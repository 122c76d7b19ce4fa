// Package timeline implements the per-event forecast state machine.
//
// A timeline is the history of one physical earthquake, keyed by a stable
// timeline id. Its state is an immutable Status snapshot; every transition
// produces a new Status which the caller appends to the record store as a
// new timeline entry. The latest entry is authoritative, and Decode
// reconstructs the Status from that entry alone.
//
// Everything in this package is pure: no I/O, no clocks. Times are integer
// milliseconds since the epoch and lags are milliseconds after the mainshock
// origin time.
//
// Transitions are gated by predicates (CanAnalystStart, CanIntakePollStart,
// ...). A transition whose predicate fails returns the input unchanged and
// false, so callers can record an analyst failure without touching state.
package timeline
