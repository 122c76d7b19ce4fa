// Package engine implements the aftershock forecast dispatcher.
//
// The dispatcher is the heart of the server. It executes pending tasks from
// the durable queue one at a time, drives each timeline through its state
// machine, and coordinates publication with the partner server through the
// relay ledger.
//
// ARCHITECTURE:
//
// Single-Writer Task Loop:
// All task execution happens on one goroutine. This ensures:
//   - A timeline is never modified by two tasks at once
//   - The relay link is only touched by its owner
//   - Task results can be replayed from the log in execution order
//
// Task Processing Flow:
//  1. Dispatcher.Run picks the due task with the smallest (sched_time, id)
//  2. The handler for its opcode reads state and fills a Txn
//  3. The Txn is committed atomically: timeline entries, alias families,
//     new tasks, and the deletion or restaging of the task itself
//  4. When no task is due, the idle hooks run: relay service, polling
//     and cleanup
//
// Relay items are the exception to the Txn rule: they are written through
// the ledger immediately because their "newest wins" semantics make the
// write itself the claim.
//
// CRITICAL PATTERNS:
//
// Persistence failures abort the attempt without committing anything. The
// task stays in the queue and is retried after db_retry_delay.
//
// Any other failure, including a panic, deletes the task and writes a log
// entry. A poison task can never wedge the queue.
//
// Multi-step tasks record progress by restaging themselves. Each stage
// starts from durable state only, so a crash between stages loses nothing.
package engine
