package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-chat-realtime/internal/queue"
)

// State is the lifecycle position of a connection handle.
//
//	Connecting → Authenticated → Active → Closed
//	Connecting → Closed               (handshake rejected)
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Close reasons.
const (
	CloseNetwork = "network"
	CloseLogout  = "logout"
	CloseIdle    = "idle_timeout"
	CloseServer  = "shutdown"
)

// Handle is an opaque, process-local reference to one live connection.
//
// ID and UserID are immutable. The outbound ring is the only part touched by
// goroutines other than the hub worker; topics and lastSeen are worker-owned.
type Handle struct {
	ID     string
	UserID string

	state atomic.Int32
	out   *queue.Ring[Envelope]

	topics   map[string]struct{}
	lastSeen time.Time

	closeOnce   sync.Once
	closeReason atomic.Value
}

// NewHandle creates a handle in the Connecting state.
func NewHandle(userID string, queueSize int) *Handle {
	h := &Handle{
		ID:     uuid.NewString(),
		UserID: userID,
		out:    queue.NewRing[Envelope](queueSize),
		topics: make(map[string]struct{}),
	}
	h.state.Store(int32(StateConnecting))
	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Transition moves the handle to next. Closed is terminal and any transition
// out of it fails; otherwise only forward moves are allowed.
func (h *Handle) Transition(next State) bool {
	for {
		cur := h.state.Load()
		if State(cur) == StateClosed || next <= State(cur) {
			return false
		}
		if h.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Authenticate binds the verified identity and moves the handle from
// Connecting to Authenticated. It must run before the handle is shared.
func (h *Handle) Authenticate(userID string) bool {
	if h.State() != StateConnecting || userID == "" {
		return false
	}
	h.UserID = userID
	return h.Transition(StateAuthenticated)
}

// Reject closes a handle whose handshake failed. It never reaches Active.
func (h *Handle) Reject(reason string) { h.close(reason) }

// Next pops the next outbound envelope without blocking.
func (h *Handle) Next() (Envelope, bool) { return h.out.Pop() }

// Ready is signalled when outbound envelopes are queued.
func (h *Handle) Ready() <-chan struct{} { return h.out.Ready() }

// Done is closed once the handle reaches Closed.
func (h *Handle) Done() <-chan struct{} { return h.out.Done() }

// Gap is the number of envelopes dropped for this handle so far.
func (h *Handle) Gap() uint64 { return h.out.Dropped() }

// Pending returns the number of queued outbound envelopes.
func (h *Handle) Pending() int { return h.out.Len() }

// CloseReason returns why the handle was closed, if it was.
func (h *Handle) CloseReason() string {
	if v, ok := h.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

// enqueue pushes env onto the outbound ring; it reports an overflow drop.
func (h *Handle) enqueue(env Envelope) bool { return h.out.Push(env) }

// close marks the handle Closed and releases its writer.
func (h *Handle) close(reason string) {
	h.closeOnce.Do(func() {
		h.closeReason.Store(reason)
		h.state.Store(int32(StateClosed))
		h.out.Close()
	})
}

// subscribed lists the handle's topics. Worker-only.
func (h *Handle) subscribed() []string {
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}
