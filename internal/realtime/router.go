package realtime

// Router tracks which local handles are subscribed to which topics and
// performs local delivery. Topics exist only while they have subscribers.
//
// Router is not safe for concurrent use: the Hub worker is its only caller.
type Router struct {
	topics map[string]map[string]*Handle
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{topics: make(map[string]map[string]*Handle)}
}

// Subscribe adds h to topic. firstLocal is true when the topic had no local
// subscribers before. Subscribing twice is a no-op.
func (r *Router) Subscribe(h *Handle, topic string) (firstLocal bool) {
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]*Handle)
		r.topics[topic] = subs
	}
	if _, dup := subs[h.ID]; dup {
		return false
	}
	subs[h.ID] = h
	h.topics[topic] = struct{}{}
	return len(subs) == 1
}

// Unsubscribe removes h from topic. lastLocal is true when the topic lost its
// final local subscriber and was dropped.
func (r *Router) Unsubscribe(h *Handle, topic string) (lastLocal bool) {
	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[h.ID]; !ok {
		return false
	}
	delete(subs, h.ID)
	delete(h.topics, topic)
	if len(subs) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

// RemoveAll unsubscribes h from every topic and returns the topics that were
// left without local subscribers.
func (r *Router) RemoveAll(h *Handle) (emptied []string) {
	for _, topic := range h.subscribed() {
		if r.Unsubscribe(h, topic) {
			emptied = append(emptied, topic)
		}
	}
	return emptied
}

// DeliverResult summarizes one local delivery.
type DeliverResult struct {
	Delivered int
	Dropped   int
}

// DeliverLocal pushes env to every handle subscribed to env.Topic except the
// excluded one. It never blocks: a full queue drops its oldest entry.
func (r *Router) DeliverLocal(env Envelope) DeliverResult {
	var res DeliverResult
	for id, h := range r.topics[env.Topic] {
		if id == env.Exclude {
			continue
		}
		if h.enqueue(env) {
			res.Dropped++
		}
		res.Delivered++
	}
	return res
}

// Subscribers returns the ids of handles subscribed to topic.
func (r *Router) Subscribers(topic string) []string {
	subs := r.topics[topic]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Topics lists topics with at least one local subscriber.
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// IsSubscribed reports whether h is subscribed to topic.
func (r *Router) IsSubscribed(h *Handle, topic string) bool {
	_, ok := r.topics[topic][h.ID]
	return ok
}
