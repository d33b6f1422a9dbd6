package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-realtime/internal/fanout"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
)

type recorder struct {
	mu        sync.Mutex
	envs      []realtime.Envelope
	onPublish func(realtime.Envelope)
}

func (r *recorder) Publish(_ context.Context, env realtime.Envelope) error {
	if r.onPublish != nil {
		r.onPublish(env)
	}
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []realtime.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Envelope(nil), r.envs...)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func startTracker(t *testing.T, client *redis.Client, pid string, pub Publisher) *Tracker {
	t.Helper()
	tr := New(client, pub, Config{ProcessID: pid, Lease: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = tr.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return tr
}

func statuses(envs []realtime.Envelope) []realtime.PresenceStatus {
	var out []realtime.PresenceStatus
	for _, env := range envs {
		if pc, ok := env.Payload.(realtime.PresenceChanged); ok {
			out = append(out, pc.Status)
		}
	}
	return out
}

func TestTracker_BroadcastsOnlyOnGlobalTransitions(t *testing.T) {
	_, client := setupRedis(t)
	rec := &recorder{}
	p1 := startTracker(t, client, "p1", rec)
	p2 := startTracker(t, client, "p2", rec)
	ctx := context.Background()

	p1.UserOnline("u")
	_ = p1.flush()
	p2.UserOnline("u")
	_ = p2.flush()
	if got := statuses(rec.all()); len(got) != 1 || got[0] != realtime.StatusOnline {
		t.Fatalf("after two processes online: %v; want [online]", got)
	}
	if env := rec.all()[0]; env.Topic != realtime.PresenceTopic("u") {
		t.Fatalf("topic = %s; want %s", env.Topic, realtime.PresenceTopic("u"))
	}

	p1.UserOffline("u")
	_ = p1.flush()
	if got := statuses(rec.all()); len(got) != 1 {
		t.Fatalf("offline must not fire while p2 holds a lease: %v", got)
	}
	if online, _ := p1.IsOnline(ctx, "u"); !online {
		t.Fatalf("u should still be online through p2")
	}

	p2.UserOffline("u")
	_ = p2.flush()
	got := statuses(rec.all())
	if len(got) != 2 || got[1] != realtime.StatusOffline {
		t.Fatalf("statuses = %v; want [online offline]", got)
	}
	if st, _ := p1.Status(ctx, "u"); st != realtime.StatusOffline {
		t.Fatalf("Status = %s; want offline", st)
	}
}

func TestTracker_CrashedProcessLeaseExpires(t *testing.T) {
	_, client := setupRedis(t)
	rec := &recorder{}
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	crashed := startTracker(t, client, "crashed", rec)
	crashed.now = func() time.Time { return t0 }
	crashed.UserOnline("u")
	_ = crashed.flush()

	later := startTracker(t, client, "later", rec)
	later.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if online, err := later.IsOnline(context.Background(), "u"); err != nil || online {
		t.Fatalf("IsOnline after lease expiry = %v,%v; want false", online, err)
	}

	later.UserOnline("u")
	_ = later.flush()
	if got := statuses(rec.all()); len(got) != 2 || got[1] != realtime.StatusOnline {
		t.Fatalf("statuses = %v; want a fresh online after pruning", got)
	}
}

func TestTracker_RefreshRenewsLease(t *testing.T) {
	_, client := setupRedis(t)
	rec := &recorder{}
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0

	tr := startTracker(t, client, "p1", rec)
	tr.now = func() time.Time { return now }
	tr.UserOnline("u")
	_ = tr.flush()

	now = t0.Add(45 * time.Second)
	tr.Refresh([]string{"u"})
	_ = tr.flush()

	now = t0.Add(90 * time.Second)
	if online, _ := tr.IsOnline(context.Background(), "u"); !online {
		t.Fatalf("refreshed lease should still be live")
	}
	if got := statuses(rec.all()); len(got) != 1 {
		t.Fatalf("refresh must not broadcast: %v", got)
	}
}

func TestTracker_TypingStoredBeforePublish(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	rec := &recorder{}
	tr := startTracker(t, client, "p1", rec)

	var seen []bool
	rec.onPublish = func(env realtime.Envelope) {
		ut := env.Payload.(realtime.UserTyping)
		_, found, err := tr.Indicator(ctx, ut.ConversationID, ut.UserID)
		if err != nil {
			t.Errorf("Indicator: %v", err)
		}
		if found != ut.IsTyping {
			t.Errorf("store state %v not visible before publishing isTyping=%v", found, ut.IsTyping)
		}
		seen = append(seen, ut.IsTyping)
	}

	if err := tr.SetTyping(ctx, "42", "alice", true); err != nil {
		t.Fatalf("SetTyping(true): %v", err)
	}
	if ttl := mr.TTL(typingKey("42", "alice")); ttl != 5*time.Minute {
		t.Fatalf("ttl = %v; want 5m", ttl)
	}
	ind, ok, err := tr.Indicator(ctx, "42", "alice")
	if err != nil || !ok || !ind.IsTyping || ind.UserID != "alice" {
		t.Fatalf("Indicator = %+v,%v,%v", ind, ok, err)
	}

	if err := tr.SetTyping(ctx, "42", "alice", false); err != nil {
		t.Fatalf("SetTyping(false): %v", err)
	}
	if _, ok, _ := tr.Indicator(ctx, "42", "alice"); ok {
		t.Fatalf("indicator should be cleared")
	}
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("published = %v; want [true false]", seen)
	}
	if env := rec.all()[0]; env.Topic != realtime.ConversationTopic("42") {
		t.Fatalf("topic = %s", env.Topic)
	}
}

func TestTracker_TypingExpiresWithoutExplicitStop(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	tr := startTracker(t, client, "p1", &recorder{})

	_ = tr.SetTyping(ctx, "1", "alice", true)
	_ = tr.SetTyping(ctx, "1", "bob", true)
	_ = tr.SetTyping(ctx, "10", "carol", true)

	users, err := tr.TypingUsers(ctx, "1")
	if err != nil {
		t.Fatalf("TypingUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("TypingUsers(1) = %d; want 2 (conversation 10 must not leak)", len(users))
	}

	mr.FastForward(5*time.Minute + time.Second)
	users, err = tr.TypingUsers(ctx, "1")
	if err != nil || len(users) != 0 {
		t.Fatalf("after ttl TypingUsers = %v,%v; want empty", users, err)
	}
	if _, ok, _ := tr.Indicator(ctx, "10", "carol"); ok {
		t.Fatalf("carol's indicator should have expired")
	}
}

func TestTracker_TypingRejectsSeparatorInIDs(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	tr := startTracker(t, client, "p1", &recorder{})

	_ = tr.SetTyping(ctx, "1", "alice", true)
	if err := tr.SetTyping(ctx, "1:x", "bob", true); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("SetTyping(1:x) err = %v; want ErrInvalidID", err)
	}
	if _, err := tr.TypingUsers(ctx, "1:alice"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("TypingUsers(1:alice) err = %v; want ErrInvalidID", err)
	}
	users, err := tr.TypingUsers(ctx, "1")
	if err != nil || len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("TypingUsers(1) = %v,%v", users, err)
	}
}

// Typing travels through the shared channel to the other participant; after
// the typist drops without sending a stop, the poll empties once the TTL runs.
func TestTracker_TypingReachesPeerAndExpiresAfterAbruptDisconnect(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	adapter := fanout.New(client, fanout.Config{
		ProcessID:  "p1",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	tr := New(client, adapter, Config{ProcessID: "p1", Lease: time.Minute, TypingTTL: 30 * time.Second})
	hub := realtime.NewHub(realtime.HubConfig{QueueSize: 16}, adapter, tr)

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = adapter.Run(runCtx, hub.Deliver) }()
	go func() { defer wg.Done(); _ = hub.Run(runCtx) }()
	go func() { defer wg.Done(); _ = tr.Run(runCtx) }()
	t.Cleanup(func() { cancel(); wg.Wait() })

	deadline := time.Now().Add(3 * time.Second)
	for adapter.State() != fanout.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("fanout link never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	topic := realtime.ConversationTopic("42")
	open := func(user string) *realtime.Handle {
		h := hub.Open()
		if !h.Authenticate(user) {
			t.Fatalf("Authenticate(%s) failed", user)
		}
		if err := hub.Activate(ctx, h); err != nil {
			t.Fatalf("Activate(%s): %v", user, err)
		}
		if err := hub.Join(ctx, h, topic); err != nil {
			t.Fatalf("Join(%s): %v", user, err)
		}
		return h
	}
	a := open("alice")
	b := open("bob")

	if err := tr.SetTyping(ctx, "42", "alice", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	var got realtime.UserTyping
	wait := time.After(2 * time.Second)
	for got.UserID == "" {
		if env, ok := b.Next(); ok {
			if ut, isTyping := env.Payload.(realtime.UserTyping); isTyping {
				got = ut
			}
			continue
		}
		select {
		case <-b.Ready():
		case <-wait:
			t.Fatalf("bob never received userTyping")
		}
	}
	if got.UserID != "alice" || got.ConversationID != "42" || !got.IsTyping {
		t.Fatalf("bob got %+v", got)
	}

	hub.Disconnect(a, realtime.CloseNetwork)
	users, err := tr.TypingUsers(ctx, "42")
	if err != nil || len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("indicator should outlive the connection until its TTL: %v,%v", users, err)
	}

	mr.FastForward(31 * time.Second)
	users, err = tr.TypingUsers(ctx, "42")
	if err != nil || len(users) != 0 {
		t.Fatalf("after ttl TypingUsers = %v,%v; want empty", users, err)
	}
}
