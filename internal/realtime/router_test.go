package realtime

import (
	"sort"
	"testing"
)

func drain(h *Handle) []Envelope {
	var out []Envelope
	for {
		env, ok := h.Next()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestRouter_SubscribeIsIdempotentAndTracksFirstLast(t *testing.T) {
	r := NewRouter()
	a := NewHandle("a", 4)
	b := NewHandle("b", 4)
	topic := ConversationTopic("42")

	if !r.Subscribe(a, topic) {
		t.Fatalf("first subscriber should report firstLocal")
	}
	if r.Subscribe(a, topic) {
		t.Fatalf("duplicate subscribe should be a no-op")
	}
	if r.Subscribe(b, topic) {
		t.Fatalf("second subscriber must not report firstLocal")
	}
	if got := len(r.Subscribers(topic)); got != 2 {
		t.Fatalf("Subscribers = %d; want 2", got)
	}

	if r.Unsubscribe(a, topic) {
		t.Fatalf("topic still has b; lastLocal must be false")
	}
	if r.Unsubscribe(a, topic) {
		t.Fatalf("unsubscribing twice must be a no-op")
	}
	if !r.Unsubscribe(b, topic) {
		t.Fatalf("removing the final subscriber must report lastLocal")
	}
	if len(r.Topics()) != 0 {
		t.Fatalf("empty topic should be garbage-collected, got %v", r.Topics())
	}
}

func TestRouter_DeliverLocalOnlySubscribedAndSkipsExcluded(t *testing.T) {
	r := NewRouter()
	a := NewHandle("a", 4)
	b := NewHandle("b", 4)
	c := NewHandle("c", 4)
	topic := ConversationTopic("7")
	r.Subscribe(a, topic)
	r.Subscribe(b, topic)
	r.Subscribe(c, ConversationTopic("other"))

	env := NewEnvelope(topic, NewMessage{ID: "m1", ConversationID: "7", SenderID: "a", Content: "hi"})
	env.Exclude = a.ID
	res := r.DeliverLocal(env)
	if res.Delivered != 1 || res.Dropped != 0 {
		t.Fatalf("DeliverLocal = %+v; want 1 delivered", res)
	}
	if got := drain(a); len(got) != 0 {
		t.Fatalf("excluded handle received %d events", len(got))
	}
	if got := drain(b); len(got) != 1 || got[0].Payload.(NewMessage).ID != "m1" {
		t.Fatalf("b should receive m1 once, got %+v", got)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("unsubscribed handle received %d events", len(got))
	}
}

func TestRouter_SlowHandleDropsOldestWithoutAffectingOthers(t *testing.T) {
	r := NewRouter()
	slow := NewHandle("slow", 2)
	fast := NewHandle("fast", 16)
	topic := UserTopic("x")
	r.Subscribe(slow, topic)
	r.Subscribe(fast, topic)

	for i := 0; i < 5; i++ {
		r.DeliverLocal(NewEnvelope(topic, UnreadCountUpdated{Scope: UnreadScopeNotifications, Count: int64(i)}))
	}
	if slow.Gap() != 3 {
		t.Fatalf("slow gap = %d; want 3", slow.Gap())
	}
	got := drain(slow)
	if len(got) != 2 || got[0].Payload.(UnreadCountUpdated).Count != 3 {
		t.Fatalf("slow should keep the two newest events, got %+v", got)
	}
	if n := len(drain(fast)); n != 5 || fast.Gap() != 0 {
		t.Fatalf("fast got %d events gap=%d; want 5, 0", n, fast.Gap())
	}
}

func TestRouter_RemoveAllReportsEmptiedTopics(t *testing.T) {
	r := NewRouter()
	a := NewHandle("a", 4)
	b := NewHandle("b", 4)
	r.Subscribe(a, "conversation:1")
	r.Subscribe(a, "conversation:2")
	r.Subscribe(b, "conversation:2")

	emptied := r.RemoveAll(a)
	sort.Strings(emptied)
	if len(emptied) != 1 || emptied[0] != "conversation:1" {
		t.Fatalf("emptied = %v; want [conversation:1]", emptied)
	}
	if r.IsSubscribed(a, "conversation:2") || len(a.topics) != 0 {
		t.Fatalf("handle must not remain in any topic")
	}
	if !r.IsSubscribed(b, "conversation:2") {
		t.Fatalf("other subscribers must be untouched")
	}
}
