// Package registry tracks rooms and their clients: lazy room creation,
// client-number allocation, device-id mapping, raw pose-body caching,
// activity tracking for the adaptive broadcaster, and stale-client reaping.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reaped identifies one client removed by a reap pass.
type Reaped struct {
	Room     string
	ClientNo uint16
	DeviceID string
}

// Registry is the set of live rooms. The registry lock guards only room
// creation and destruction; all per-room state is behind each room's own
// read-write lock.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	log   zerolog.Logger
}

// New returns an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// GetOrCreate returns the room, creating it lazily on first reference.
func (g *Registry) GetOrCreate(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		g.rooms[roomID] = r
		g.log.Info().Str("room", roomID).Msg("room created")
	}
	return r
}

// Get returns the room if it exists.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

// Rooms snapshots the current room set for iteration.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// ClientCount returns the number of live clients across all rooms.
func (g *Registry) ClientCount() int {
	total := 0
	for _, r := range g.Rooms() {
		total += r.ClientCount()
	}
	return total
}

// LogRoomFull emits the once-per-room-per-minute RoomFull log line.
func (g *Registry) LogRoomFull(r *Room) {
	if r.fullLog.Allow() {
		g.log.Warn().Str("room", r.id).Msg("client-number pool exhausted, client not assigned")
	}
}

// ReapStale removes clients idle past timeout from every room, and destroys
// rooms that have been empty for two consecutive passes. It returns the
// reaped clients and the destroyed room ids.
func (g *Registry) ReapStale(now time.Time, timeout time.Duration) (reaped []Reaped, destroyed []string) {
	for _, r := range g.Rooms() {
		rr, destroy := r.reapStale(now, timeout)
		reaped = append(reaped, rr...)
		if destroy {
			g.mu.Lock()
			r.mu.Lock()
			// Re-check under both locks: a first message may have recreated
			// the id or joined a client since the reap decision.
			if g.rooms[r.id] == r && len(r.clients) == 0 {
				delete(g.rooms, r.id)
				destroyed = append(destroyed, r.id)
			}
			r.mu.Unlock()
			g.mu.Unlock()
		}
	}

	for _, c := range reaped {
		g.log.Debug().Str("room", c.Room).Uint16("client", c.ClientNo).Str("device", c.DeviceID).Msg("client reaped")
	}
	for _, id := range destroyed {
		g.log.Info().Str("room", id).Msg("room destroyed")
	}
	return reaped, destroyed
}
