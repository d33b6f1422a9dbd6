package realtime

import "errors"

// ErrTooManyConnections is returned when a user already holds the maximum
// number of simultaneous connections in this process.
var ErrTooManyConnections = errors.New("too many connections")

// Registry maps user identity to the live handles held by this process.
//
// Each user owns a small slot set that disappears when its last handle is
// removed. Registry is not safe for concurrent use: the Hub
// worker is its only caller.
type Registry struct {
	maxPerUser int
	users      map[string][]*Handle
	handles    map[string]*Handle
}

// NewRegistry creates an empty registry. maxPerUser <= 0 disables the cap.
func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		users:      make(map[string][]*Handle),
		handles:    make(map[string]*Handle),
	}
}

// Register adds h under its user. firstLocal reports the offline → online
// transition for this process. Registering the same handle twice is a no-op.
func (r *Registry) Register(h *Handle) (firstLocal bool, err error) {
	if _, ok := r.handles[h.ID]; ok {
		return false, nil
	}
	set := r.users[h.UserID]
	if r.maxPerUser > 0 && len(set) >= r.maxPerUser {
		return false, ErrTooManyConnections
	}
	r.users[h.UserID] = append(set, h)
	r.handles[h.ID] = h
	return len(set) == 0, nil
}

// Unregister removes h. lastLocal reports the online → offline transition
// for this process. Unknown handles are ignored.
func (r *Registry) Unregister(h *Handle) (lastLocal bool) {
	if _, ok := r.handles[h.ID]; !ok {
		return false
	}
	delete(r.handles, h.ID)

	set := r.users[h.UserID]
	for i, cur := range set {
		if cur.ID == h.ID {
			set[i] = set[len(set)-1]
			set[len(set)-1] = nil
			set = set[:len(set)-1]
			break
		}
	}
	if len(set) == 0 {
		delete(r.users, h.UserID)
		return true
	}
	r.users[h.UserID] = set
	return false
}

// HandlesFor returns a copy of the user's live handles.
func (r *Registry) HandlesFor(userID string) []*Handle {
	set := r.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Handle, len(set))
	copy(out, set)
	return out
}

// IsOnline reports whether the user has a live handle in this process.
func (r *Registry) IsOnline(userID string) bool { return len(r.users[userID]) > 0 }

// Lookup returns the handle with the given id.
func (r *Registry) Lookup(handleID string) (*Handle, bool) {
	h, ok := r.handles[handleID]
	return h, ok
}

// OnlineUsers lists users with at least one local handle.
func (r *Registry) OnlineUsers() []string {
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

// All lists every registered handle.
func (r *Registry) All() []*Handle {
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int { return len(r.handles) }
