package relay

import (
	"fmt"
	"sync"
)

// ExitCode records why a relay thread ended.
type ExitCode int

const (
	ExitNone         ExitCode = iota // still running, or never started
	ExitShutdown                     // shutdown was requested
	ExitQueueFull                    // the dispatcher fell behind
	ExitIOFail                       // the partner was unreachable too long
	ExitIncompatible                 // the partner speaks another protocol
)

func (c ExitCode) String() string {
	switch c {
	case ExitNone:
		return "none"
	case ExitShutdown:
		return "shutdown"
	case ExitQueueFull:
		return "queue_full"
	case ExitIOFail:
		return "io_fail"
	case ExitIncompatible:
		return "incompatible"
	}
	return fmt.Sprintf("exit(%d)", int(c))
}

// FetchState is the lifecycle of a fetch request.
type FetchState int

const (
	FetchIdle FetchState = iota
	FetchPending
	FetchFetching
	FetchFinished
	FetchCanceled
	FetchIOFail
	FetchExited
)

func (s FetchState) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case FetchPending:
		return "pending"
	case FetchFetching:
		return "fetching"
	case FetchFinished:
		return "finished"
	case FetchCanceled:
		return "canceled"
	case FetchIOFail:
		return "io_fail"
	case FetchExited:
		return "exited"
	}
	return fmt.Sprintf("fetch(%d)", int(s))
}

// IsDone reports whether a fetch reached a terminal state.
func (s FetchState) IsDone() bool {
	return s >= FetchFinished
}

// FetchRequest asks the thread to pull a historical range from the partner.
type FetchRequest struct {
	IDs []string
	Lo  int64
	Hi  int64
}

// ThreadStatus is a snapshot of the relay thread as seen by the dispatcher.
type ThreadStatus struct {
	Running bool
	Exit    ExitCode
	Err     error

	// Synced is true once the initial range has been fetched.
	Synced bool

	// Partner is the latest partner status, nil before the first contact.
	Partner *ServerStatus

	// PartnerSeen is the local time the partner status was last received.
	PartnerSeen int64

	// Received counts items queued since the thread started.
	Received int64
}

// SyncVar is the only state shared between the relay thread and the
// dispatcher. Every method is atomic with respect to the others.
type SyncVar struct {
	mu       sync.Mutex
	queue    []Record
	capacity int
	status   ThreadStatus
	shutdown bool

	fetchReq    FetchRequest
	fetchState  FetchState
	fetchCancel bool
	fetchCount  int
}

// NewSyncVar creates a SyncVar whose queue holds at most capacity items.
func NewSyncVar(capacity int) *SyncVar {
	if capacity <= 0 {
		capacity = 1
	}
	return &SyncVar{
		queue:    make([]Record, 0, min(capacity, 256)),
		capacity: capacity,
	}
}

// Enqueue appends an item for the dispatcher. Returns false when full.
func (v *SyncVar) Enqueue(r Record) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) >= v.capacity {
		return false
	}
	v.queue = append(v.queue, r)
	v.status.Received++
	return true
}

// TryDequeue removes the oldest item, if any.
func (v *SyncVar) TryDequeue() (Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return Record{}, false
	}
	r := v.queue[0]
	v.queue[0] = Record{}
	if len(v.queue) == 1 {
		v.queue = v.queue[:0]
	} else {
		v.queue = v.queue[1:]
	}
	return r, true
}

// Len returns the number of queued items.
func (v *SyncVar) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

// Capacity returns the queue bound.
func (v *SyncVar) Capacity() int { return v.capacity }

// Room returns how many more items the queue accepts.
func (v *SyncVar) Room() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.capacity - len(v.queue)
}

// Status returns a snapshot of the thread status.
func (v *SyncVar) Status() ThreadStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.status
	if st.Partner != nil {
		p := *st.Partner
		st.Partner = &p
	}
	return st
}

// MarkStarted resets the status for a new thread session. The queue and
// any pending fetch are discarded.
func (v *SyncVar) MarkStarted() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = ThreadStatus{Running: true}
	v.shutdown = false
	clear(v.queue)
	v.queue = v.queue[:0]
	if v.fetchState == FetchPending || v.fetchState == FetchFetching {
		v.fetchState = FetchExited
	}
}

// MarkExited records the end of the thread.
func (v *SyncVar) MarkExited(code ExitCode, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Running = false
	v.status.Exit = code
	v.status.Err = err
	if v.fetchState == FetchPending || v.fetchState == FetchFetching {
		v.fetchState = FetchExited
	}
}

// MarkSynced records completion of the initial sync.
func (v *SyncVar) MarkSynced() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Synced = true
}

// SetPartner records the latest partner status and when it was received.
func (v *SyncVar) SetPartner(s ServerStatus, seen int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status.Partner = &s
	v.status.PartnerSeen = seen
}

// RequestShutdown asks the thread to exit at its next check.
func (v *SyncVar) RequestShutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shutdown = true
}

// ShutdownRequested reports whether shutdown was requested.
func (v *SyncVar) ShutdownRequested() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shutdown
}

// RequestFetch places a fetch in the single slot. Returns false when a
// fetch is already pending or running.
func (v *SyncVar) RequestFetch(req FetchRequest) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fetchState == FetchPending || v.fetchState == FetchFetching {
		return false
	}
	v.fetchReq = req
	v.fetchState = FetchPending
	v.fetchCancel = false
	v.fetchCount = 0
	return true
}

// CancelFetch asks a pending or running fetch to stop.
func (v *SyncVar) CancelFetch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.fetchState {
	case FetchPending:
		v.fetchState = FetchCanceled
	case FetchFetching:
		v.fetchCancel = true
	}
}

// FetchState returns the fetch state and the number of items written so far.
func (v *SyncVar) FetchState() (FetchState, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetchState, v.fetchCount
}

// takeFetch moves a pending request to fetching and returns it.
func (v *SyncVar) takeFetch() (FetchRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fetchState != FetchPending {
		return FetchRequest{}, false
	}
	v.fetchState = FetchFetching
	return v.fetchReq, true
}

// fetchProgress records one item written.
func (v *SyncVar) fetchProgress() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetchCount++
}

// fetchCanceled reports whether the running fetch was asked to stop.
func (v *SyncVar) fetchCanceled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetchCancel
}

// finishFetch moves a running fetch to a terminal state.
func (v *SyncVar) finishFetch(state FetchState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fetchState != FetchFetching {
		return
	}
	if v.fetchCancel && state == FetchFinished {
		state = FetchCanceled
	}
	v.fetchState = state
	v.fetchCancel = false
}
