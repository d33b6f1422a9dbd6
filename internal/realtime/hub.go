package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/queue"
)

var (
	// ErrHubClosed is returned once the hub worker has stopped.
	ErrHubClosed = errors.New("hub closed")
	// ErrNotActive is returned for operations on a handle that is not Active.
	ErrNotActive = errors.New("connection not active")
	// ErrNotAuthenticated is returned by Activate for handles that skipped the handshake.
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// Interest receives the process-level topic interest derived from local
// subscriptions. Watch is called when a topic gains its first local
// subscriber and resolves once the shared channel subscription is in place;
// Unwatch is called when the last local subscriber leaves. Both are invoked
// from the hub worker and must not block.
type Interest interface {
	Watch(topic string) <-chan error
	Unwatch(topic string)
}

// PresenceListener receives per-process online/offline transitions. Calls
// come from the hub worker and must not block.
type PresenceListener interface {
	UserOnline(userID string)
	UserOffline(userID string)
	Refresh(userIDs []string)
}

// HubConfig tunes the hub.
type HubConfig struct {
	QueueSize       int           // per-handle outbound ring size
	MaxConnsPerUser int           // per-user handle cap in this process, 0 disables it
	IdleTimeout     time.Duration // close handles without heartbeat for this long
	SweepInterval   time.Duration // how often the idle sweep runs
}

// HubStats is a point-in-time view of the hub's collections.
type HubStats struct {
	Handles int `json:"handles"`
	Users   int `json:"users"`
	Topics  int `json:"topics"`
}

// Hub is the single event-loop worker of a process. It exclusively owns the
// Registry and the Router; every mutation, including timer-driven ones, is a
// closure queued on its mailbox and executed in order.
type Hub struct {
	cfg      HubConfig
	mailbox  *queue.Mailbox[func()]
	registry *Registry
	router   *Router
	interest Interest
	presence PresenceListener
	now      func() time.Time
	closing  bool // set by shutdown; worker-owned
	stopped  chan struct{}
}

// NewHub wires a hub. interest and presence may be nil.
func NewHub(cfg HubConfig, interest Interest, presence PresenceListener) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if interest == nil {
		interest = noInterest{}
	}
	if presence == nil {
		presence = noPresence{}
	}
	return &Hub{
		cfg:      cfg,
		mailbox:  queue.NewMailbox[func()](64),
		registry: NewRegistry(cfg.MaxConnsPerUser),
		router:   NewRouter(),
		interest: interest,
		presence: presence,
		now:      time.Now,
		stopped:  make(chan struct{}),
	}
}

// Run executes the worker loop until ctx is cancelled. On shutdown every
// remaining handle is closed with full cleanup.
func (hub *Hub) Run(ctx context.Context) error {
	go func() {
		t := time.NewTicker(hub.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				hub.mailbox.Send(hub.shutdown)
				return
			case <-t.C:
				hub.mailbox.Send(hub.sweep)
			}
		}
	}()

	defer close(hub.stopped)
	for {
		fn, ok := hub.mailbox.Receive()
		if !ok {
			return nil
		}
		fn()
	}
}

// Stopped is closed when the worker loop has exited.
func (hub *Hub) Stopped() <-chan struct{} { return hub.stopped }

// do runs fn on the worker and waits for it.
func (hub *Hub) do(fn func()) error {
	done := make(chan struct{})
	if !hub.mailbox.Send(func() { fn(); close(done) }) {
		return ErrHubClosed
	}
	<-done
	return nil
}

// Open creates a handle in the Connecting state, sized for this hub.
func (hub *Hub) Open() *Handle { return NewHandle("", hub.cfg.QueueSize) }

// Activate registers an Authenticated handle, subscribes it to its personal
// topic and moves it to Active. On failure the handle is Closed.
func (hub *Hub) Activate(ctx context.Context, h *Handle) error {
	var (
		err   error
		watch <-chan error
	)
	if derr := hub.do(func() {
		if hub.closing {
			err = ErrHubClosed
			h.close(CloseServer)
			return
		}
		if h.State() != StateAuthenticated {
			err = ErrNotAuthenticated
			h.close(CloseServer)
			return
		}
		first, rerr := hub.registry.Register(h)
		if rerr != nil {
			err = rerr
			h.close(CloseServer)
			return
		}
		h.lastSeen = hub.now()
		if hub.router.Subscribe(h, UserTopic(h.UserID)) {
			watch = hub.interest.Watch(UserTopic(h.UserID))
		}
		h.Transition(StateActive)
		observability.ConnectionsActive.Inc()
		if first {
			hub.presence.UserOnline(h.UserID)
		}
	}); derr != nil {
		h.close(CloseServer)
		return derr
	}
	if err != nil {
		return err
	}
	hub.awaitWatch(ctx, UserTopic(h.UserID), watch)
	return nil
}

// Join subscribes an Active handle to topic. It returns once the process is
// subscribed to the shared channel, or the link is known to be down (the
// topic is then resubscribed on reconnect).
func (hub *Hub) Join(ctx context.Context, h *Handle, topic string) error {
	var (
		err   error
		watch <-chan error
	)
	if derr := hub.do(func() {
		if hub.closing {
			err = ErrHubClosed
			return
		}
		if h.State() != StateActive {
			err = ErrNotActive
			return
		}
		if hub.router.Subscribe(h, topic) {
			watch = hub.interest.Watch(topic)
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	hub.awaitWatch(ctx, topic, watch)
	return nil
}

// Leave unsubscribes h from topic. Leaving a topic never joined is a no-op.
func (hub *Hub) Leave(h *Handle, topic string) error {
	return hub.do(func() {
		if hub.router.Unsubscribe(h, topic) {
			hub.interest.Unwatch(topic)
		}
	})
}

// Deliver queues a local delivery of env. Called by the fanout adapter for
// every event received on a watched channel; never blocks.
func (hub *Hub) Deliver(env Envelope) {
	hub.mailbox.Send(func() {
		res := hub.router.DeliverLocal(env)
		observability.EventsDelivered.WithLabelValues(string(env.Event)).Add(float64(res.Delivered))
		if res.Dropped > 0 {
			observability.QueueDrops.Add(float64(res.Dropped))
		}
	})
}

// Touch records application-level activity for h. Never blocks.
func (hub *Hub) Touch(h *Handle) {
	hub.mailbox.Send(func() { h.lastSeen = hub.now() })
}

// Disconnect closes h and removes it from every topic and from the registry
// in one worker step. Safe to call more than once.
func (hub *Hub) Disconnect(h *Handle, reason string) {
	if err := hub.do(func() { hub.release(h, reason) }); err != nil {
		h.close(reason)
	}
}

// Stats returns a snapshot of the hub's collections.
func (hub *Hub) Stats() (HubStats, error) {
	var s HubStats
	err := hub.do(func() {
		s = HubStats{
			Handles: hub.registry.Len(),
			Users:   len(hub.registry.OnlineUsers()),
			Topics:  len(hub.router.Topics()),
		}
	})
	return s, err
}

// Subscribers returns the ids of local handles subscribed to topic.
func (hub *Hub) Subscribers(topic string) ([]string, error) {
	var out []string
	err := hub.do(func() { out = hub.router.Subscribers(topic) })
	return out, err
}

// IsOnlineLocal reports whether userID has a live handle in this process.
func (hub *Hub) IsOnlineLocal(userID string) (bool, error) {
	var online bool
	err := hub.do(func() { online = hub.registry.IsOnline(userID) })
	return online, err
}

// HandlesFor returns the ids of userID's live handles in this process.
func (hub *Hub) HandlesFor(userID string) ([]string, error) {
	var ids []string
	err := hub.do(func() {
		for _, h := range hub.registry.HandlesFor(userID) {
			ids = append(ids, h.ID)
		}
	})
	return ids, err
}

// release performs full cleanup for h. Worker-only.
func (hub *Hub) release(h *Handle, reason string) {
	for _, topic := range hub.router.RemoveAll(h) {
		hub.interest.Unwatch(topic)
	}
	if _, registered := hub.registry.Lookup(h.ID); registered {
		observability.ConnectionsActive.Dec()
		if hub.registry.Unregister(h) {
			hub.presence.UserOffline(h.UserID)
		}
	}
	h.close(reason)
}

// sweep closes idle handles and renews presence leases. Worker-only.
func (hub *Hub) sweep() {
	if hub.cfg.IdleTimeout > 0 {
		cutoff := hub.now().Add(-hub.cfg.IdleTimeout)
		for _, h := range hub.registry.All() {
			if h.lastSeen.Before(cutoff) {
				log.Info().
					Str("handle_id", h.ID).
					Str("user_id", h.UserID).
					Msg("closing idle connection")
				hub.release(h, CloseIdle)
			}
		}
	}
	if users := hub.registry.OnlineUsers(); len(users) > 0 {
		hub.presence.Refresh(users)
	}
}

// shutdown closes every remaining handle and the mailbox. Closures queued
// behind it still run but can no longer register or subscribe. Worker-only.
func (hub *Hub) shutdown() {
	hub.closing = true
	hub.mailbox.Close()
	for _, h := range hub.registry.All() {
		hub.release(h, CloseServer)
	}
}

func (hub *Hub) awaitWatch(ctx context.Context, topic string, watch <-chan error) {
	if watch == nil {
		return
	}
	select {
	case err := <-watch:
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("shared channel subscribe pending; will resubscribe on reconnect")
		}
	case <-ctx.Done():
	}
}

type noInterest struct{}

func (noInterest) Watch(string) <-chan error { return nil }
func (noInterest) Unwatch(string)            {}

type noPresence struct{}

func (noPresence) UserOnline(string)  {}
func (noPresence) UserOffline(string) {}
func (noPresence) Refresh([]string)   {}
