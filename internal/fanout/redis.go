// Package fanout bridges the per-process hub to the shared store's pub/sub.
//
// Every topic with local interest maps to one Redis channel. Publishing always
// goes through Redis, including for topics the publishing process is itself
// subscribed to, so ordering per topic is the store's channel order and local
// and remote subscribers observe the same sequence.
//
// The subscription link is an explicit state machine:
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected ...
//
// Re-entering Connected always resubscribes the full interest set before
// queued interest changes are applied.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
)

var (
	// ErrLinkDown resolves a Watch issued while the link is not Connected.
	// The topic stays in the interest set and is subscribed on reconnect.
	ErrLinkDown = errors.New("fanout link down")
	// ErrClosed is returned after Run has exited.
	ErrClosed = errors.New("fanout adapter closed")

	errHealthCheck = errors.New("fanout health check: no pong")
)

// LinkState is the state of the subscription link.
type LinkState int32

const (
	Disconnected LinkState = iota
	Connecting
	Connected
	Reconnecting
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Config tunes the adapter.
type Config struct {
	Prefix         string        // channel prefix, e.g. "rt:"
	ProcessID      string        // stamped as Envelope.Origin
	HealthInterval time.Duration // idle read window before a ping
	PublishTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

type opKind int

const (
	opWatch opKind = iota
	opUnwatch
)

type op struct {
	kind  opKind
	topic string
	done  chan error
}

// Adapter implements realtime.Interest on top of Redis pub/sub and publishes
// envelopes to the shared channels.
type Adapter struct {
	client redis.UniversalClient
	cfg    Config

	state   atomic.Int32
	running atomic.Bool

	mu      sync.Mutex
	ops     []op
	stopped bool
	signal  chan struct{}

	// Owned by the link goroutine.
	interest   map[string]struct{}
	subscribed map[string]bool
	waiters    map[string][]chan error
	deliver    func(realtime.Envelope)
}

// New creates an adapter. Call Run to bring the link up.
func New(client redis.UniversalClient, cfg Config) *Adapter {
	if cfg.Prefix == "" {
		cfg.Prefix = "rt:"
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Adapter{
		client:     client,
		cfg:        cfg,
		signal:     make(chan struct{}, 1),
		interest:   make(map[string]struct{}),
		subscribed: make(map[string]bool),
		waiters:    make(map[string][]chan error),
	}
}

// State returns the current link state.
func (a *Adapter) State() LinkState { return LinkState(a.state.Load()) }

// Channel returns the Redis channel carrying topic.
func (a *Adapter) Channel(topic string) string { return a.cfg.Prefix + topic }

// Watch declares process interest in topic. The returned channel yields nil
// once the shared channel subscription is confirmed, or ErrLinkDown if the
// link is not up. Never blocks.
func (a *Adapter) Watch(topic string) <-chan error {
	done := make(chan error, 1)
	if !a.enqueue(op{kind: opWatch, topic: topic, done: done}) {
		done <- ErrClosed
	}
	return done
}

// Unwatch drops process interest in topic. Never blocks.
func (a *Adapter) Unwatch(topic string) {
	a.enqueue(op{kind: opUnwatch, topic: topic})
}

// enqueue hands o to the link goroutine. It reports false once the adapter
// has stopped; the op is then dropped.
func (a *Adapter) enqueue(o op) bool {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	a.ops = append(a.ops, o)
	a.mu.Unlock()
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return true
}

func (a *Adapter) takeOps() []op {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops := a.ops
	a.ops = nil
	return ops
}

// Publish stamps env with this process's origin and publishes it on the
// topic's channel.
func (a *Adapter) Publish(ctx context.Context, env realtime.Envelope) error {
	env.Origin = a.cfg.ProcessID
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.PublishTimeout)
	defer cancel()
	if err := a.client.Publish(ctx, a.Channel(env.Topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Event, env.Topic, err)
	}
	observability.EventsPublished.WithLabelValues(string(env.Event)).Inc()
	return nil
}

// Run owns the subscription link until ctx is cancelled. deliver is invoked
// for every envelope received on a watched channel; it must not block.
func (a *Adapter) Run(ctx context.Context, deliver func(realtime.Envelope)) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("fanout: Run called twice")
	}
	a.deliver = deliver
	defer a.stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.MinBackoff
	bo.MaxInterval = a.cfg.MaxBackoff
	bo.Reset()

	everUp := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if everUp {
			a.setState(Reconnecting)
		} else {
			a.setState(Connecting)
		}

		up, err := a.session(ctx, everUp)
		if ctx.Err() != nil {
			return nil
		}
		if up {
			everUp = true
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("fanout link down")
		if !a.idle(ctx, wait) {
			return nil
		}
	}
}

// session runs one connection lifetime. up reports whether it reached
// Connected.
func (a *Adapter) session(ctx context.Context, reconnect bool) (up bool, err error) {
	ps := a.client.Subscribe(ctx)
	defer ps.Close()

	if err := ps.Ping(ctx); err != nil {
		return false, err
	}
	clear(a.subscribed)
	if len(a.interest) > 0 {
		channels := make([]string, 0, len(a.interest))
		for topic := range a.interest {
			channels = append(channels, a.Channel(topic))
		}
		if err := ps.Subscribe(ctx, channels...); err != nil {
			return false, err
		}
	}

	a.setState(Connected)
	if reconnect {
		observability.FanoutReconnects.Inc()
		log.Info().Int("topics", len(a.interest)).Msg("fanout link restored; resubscribed")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := make(chan any, 64)
	errc := make(chan error, 1)
	go a.receive(sessCtx, ps, msgs, errc)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errc:
			a.linkLost()
			return true, err
		case m := <-msgs:
			a.handle(m)
		case <-a.signal:
			if err := a.apply(ctx, ps); err != nil {
				a.linkLost()
				return true, err
			}
		}
	}
}

// receive reads from ps until it fails. A read window without traffic sends
// a ping; a second empty window with the ping unanswered fails the link.
func (a *Adapter) receive(ctx context.Context, ps *redis.PubSub, msgs chan<- any, errc chan<- error) {
	awaitingPong := false
	for {
		m, err := ps.ReceiveTimeout(ctx, a.cfg.HealthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if awaitingPong {
					errc <- errHealthCheck
					return
				}
				if perr := ps.Ping(ctx); perr != nil {
					errc <- perr
					return
				}
				awaitingPong = true
				continue
			}
			errc <- err
			return
		}
		awaitingPong = false
		select {
		case msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) handle(m any) {
	switch m := m.(type) {
	case *redis.Subscription:
		topic := strings.TrimPrefix(m.Channel, a.cfg.Prefix)
		switch m.Kind {
		case "subscribe":
			a.subscribed[topic] = true
			a.resolve(topic, nil)
		case "unsubscribe":
			delete(a.subscribed, topic)
		}
		observability.FanoutTopics.Set(float64(len(a.subscribed)))
	case *redis.Message:
		topic := strings.TrimPrefix(m.Channel, a.cfg.Prefix)
		if _, ok := a.interest[topic]; !ok {
			return
		}
		env, err := realtime.UnmarshalEnvelope([]byte(m.Payload))
		if err != nil {
			log.Warn().Err(err).Str("channel", m.Channel).Msg("dropping undecodable envelope")
			return
		}
		if env.Topic != topic {
			log.Warn().Str("channel", m.Channel).Str("topic", env.Topic).Msg("dropping envelope with mismatched topic")
			return
		}
		if a.deliver != nil {
			a.deliver(env)
		}
	case *redis.Pong:
	}
}

// apply executes queued interest changes in order on the live connection.
func (a *Adapter) apply(ctx context.Context, ps *redis.PubSub) error {
	for _, o := range a.takeOps() {
		switch o.kind {
		case opWatch:
			a.interest[o.topic] = struct{}{}
			if a.subscribed[o.topic] {
				o.done <- nil
				continue
			}
			a.waiters[o.topic] = append(a.waiters[o.topic], o.done)
			if err := ps.Subscribe(ctx, a.Channel(o.topic)); err != nil {
				return err
			}
		case opUnwatch:
			delete(a.interest, o.topic)
			a.resolve(o.topic, nil)
			if err := ps.Unsubscribe(ctx, a.Channel(o.topic)); err != nil {
				return err
			}
			delete(a.subscribed, o.topic)
		}
	}
	return nil
}

// applyOffline records interest changes while no connection exists.
func (a *Adapter) applyOffline() {
	for _, o := range a.takeOps() {
		switch o.kind {
		case opWatch:
			a.interest[o.topic] = struct{}{}
			o.done <- ErrLinkDown
		case opUnwatch:
			delete(a.interest, o.topic)
		}
	}
}

// idle waits out a backoff period while still recording interest changes.
func (a *Adapter) idle(ctx context.Context, d time.Duration) bool {
	a.applyOffline()
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-a.signal:
			a.applyOffline()
		}
	}
}

func (a *Adapter) linkLost() {
	a.setState(Reconnecting)
	clear(a.subscribed)
	observability.FanoutTopics.Set(0)
	for topic := range a.waiters {
		a.resolve(topic, ErrLinkDown)
	}
}

func (a *Adapter) resolve(topic string, err error) {
	for _, done := range a.waiters[topic] {
		done <- err
	}
	delete(a.waiters, topic)
}

func (a *Adapter) setState(s LinkState) {
	a.state.Store(int32(s))
	if s == Connected {
		observability.FanoutLinkUp.Set(1)
	} else {
		observability.FanoutLinkUp.Set(0)
	}
}

func (a *Adapter) stop() {
	a.mu.Lock()
	a.stopped = true
	ops := a.ops
	a.ops = nil
	a.mu.Unlock()

	a.setState(Disconnected)
	for _, o := range ops {
		if o.done != nil {
			o.done <- ErrClosed
		}
	}
	for topic := range a.waiters {
		a.resolve(topic, ErrClosed)
	}
}
