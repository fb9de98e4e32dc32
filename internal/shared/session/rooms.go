package session

import (
	"sort"
	"sync"
)

// RoomInfo describes one room.
type RoomInfo struct {
	ID      string   `json:"room_id"`
	Members int      `json:"member_count"`
	Conns   []string `json:"connections,omitempty"`
}

// roomIndex maps room ids to member connection ids. A room exists only while
// it has at least one member.
type roomIndex struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func newRoomIndex() *roomIndex {
	return &roomIndex{rooms: make(map[string]map[string]struct{})}
}

func (ri *roomIndex) join(roomID, connID string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	members, ok := ri.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		ri.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

// leave removes connID and deletes the room when it becomes empty.
func (ri *roomIndex) leave(roomID, connID string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	members, ok := ri.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(ri.rooms, roomID)
	}
}

func (ri *roomIndex) members(roomID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	members := ri.rooms[roomID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (ri *roomIndex) exists(roomID string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.rooms[roomID]
	return ok
}

func (ri *roomIndex) count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}

func (ri *roomIndex) list() []RoomInfo {
	ri.mu.RLock()
	out := make([]RoomInfo, 0, len(ri.rooms))
	for id, members := range ri.rooms {
		out = append(out, RoomInfo{ID: id, Members: len(members)})
	}
	ri.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
