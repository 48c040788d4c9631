package relay

import "sort"

// Registry maps room ids to their member sets. A room key exists iff the
// room has at least one member: joining an unknown room creates it, leaving
// the last member deletes it.
//
// The registry is mutated only on the relay's run loop goroutine, so it
// carries no lock. Clients only ever see derived snapshots.
type Registry struct {
	rooms map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]struct{})}
}

// Join adds userID to roomID, creating the room lazily. It reports whether
// the user was newly added; a duplicate join leaves the set unchanged.
func (r *Registry) Join(roomID, userID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, exists := members[userID]; exists {
		return false
	}
	members[userID] = struct{}{}
	return true
}

// Leave removes userID from roomID, deleting the room if it empties.
func (r *Registry) Leave(roomID, userID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RemoveUser removes userID from every room it belongs to and returns the
// ids of the affected rooms. Used on disconnect.
func (r *Registry) RemoveUser(userID string) []string {
	var affected []string
	for roomID, members := range r.rooms {
		if _, ok := members[userID]; !ok {
			continue
		}
		affected = append(affected, roomID)
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return affected
}

// Users returns a sorted snapshot of the room's membership, or nil for an
// unknown room.
func (r *Registry) Users(roomID string) []string {
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(members))
	for userID := range members {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Has reports whether the room currently exists.
func (r *Registry) Has(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

// Contains reports whether userID is a member of roomID.
func (r *Registry) Contains(roomID, userID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = members[userID]
	return ok
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}
