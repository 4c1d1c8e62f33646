package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/adred-codev/netsync-relay/internal/protocol"
	"github.com/adred-codev/netsync-relay/internal/vars"
)

// ErrRoomFull means the 1..65535 client-number pool is exhausted. The client
// is not assigned and simply stays absent from broadcasts; its next message
// retries the allocation.
var ErrRoomFull = errors.New("room full: client-number pool exhausted")

const maxClientNo = 65535

// Client is one tracked client inside a room. Fields are guarded by the
// owning room's lock.
type Client struct {
	DeviceID string
	Number   uint16
	LastSeen time.Time
	Stealth  bool
	LastSeq  uint32

	// body is the verbatim pose body of the most recently accepted frame.
	// It is immutable from install until the next CachePose for this client;
	// the broadcaster's read-lock keeps it valid during emission.
	body  []byte
	moved bool
}

// Sched is broadcaster pacing state for one room. It is owned by the
// broadcast loop and never touched under the room lock; the Due flags are
// atomic because the ingress loop raises them on joins.
type Sched struct {
	Period    time.Duration
	NextDue   time.Time
	Emissions uint64

	MappingDue  atomic.Bool
	FullSyncDue atomic.Bool
}

// Room is one logical session: a client table, the device-id reverse map, a
// rolling client-number cursor, the room's variable store, and activity
// tracking for the adaptive broadcaster.
type Room struct {
	id string

	mu       sync.RWMutex
	clients  map[uint16]*Client
	byDevice map[string]uint16
	cursor   uint16

	dirty      bool // a new pose arrived or a client was reaped
	movedCount int  // clients with new poses since the last consume

	// emptyMarked makes room destruction take one extra reap pass after the
	// last client leaves, so a final empty ROOM_POSE can go out.
	emptyMarked bool

	Vars  *vars.RoomVars
	Sched Sched

	// fullLog throttles the RoomFull log to once per minute per room.
	fullLog *rate.Limiter
}

func newRoom(id string) *Room {
	return &Room{
		id:       id,
		clients:  make(map[uint16]*Client),
		byDevice: make(map[string]uint16),
		Vars:     vars.NewRoomVars(),
		fullLog:  rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// ID returns the room identifier (also the publish topic).
func (r *Room) ID() string { return r.id }

// Upsert binds deviceID to a client-number, allocating one if the device is
// unknown. Allocation walks the rolling cursor, wrapping at 65535 and
// skipping 0 and any number in use.
func (r *Room) Upsert(deviceID string, now time.Time) (clientNo uint16, isNew bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if no, ok := r.byDevice[deviceID]; ok {
		c := r.clients[no]
		c.LastSeen = now
		return no, false, nil
	}

	no, err := r.allocateLocked()
	if err != nil {
		return 0, false, err
	}
	r.clients[no] = &Client{DeviceID: deviceID, Number: no, LastSeen: now}
	r.byDevice[deviceID] = no
	r.emptyMarked = false
	return no, true, nil
}

func (r *Room) allocateLocked() (uint16, error) {
	for i := 0; i < maxClientNo; i++ {
		r.cursor++
		if r.cursor == 0 {
			r.cursor = 1
		}
		if _, used := r.clients[r.cursor]; !used {
			return r.cursor, nil
		}
	}
	return 0, ErrRoomFull
}

// Touch refreshes a client's last-seen timestamp.
func (r *Room) Touch(clientNo uint16, now time.Time) {
	r.mu.Lock()
	if c, ok := r.clients[clientNo]; ok {
		c.LastSeen = now
	}
	r.mu.Unlock()
}

// CachePose atomically replaces the client's cached raw body, stealth flag,
// and sequence number, and marks the room active.
func (r *Room) CachePose(clientNo uint16, body []byte, stealth bool, seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientNo]
	if !ok {
		return
	}
	if cap(c.body) >= len(body) {
		c.body = c.body[:len(body)]
		copy(c.body, body)
	} else {
		c.body = append(make([]byte, 0, len(body)), body...)
	}
	c.Stealth = stealth
	c.LastSeq = seq
	if !c.moved {
		c.moved = true
		r.movedCount++
	}
	r.dirty = true
}

// ConsumeActivity returns whether a broadcast is due, how many clients moved
// since the last call, and the current client count, then clears the
// activity state.
func (r *Room) ConsumeActivity() (dirty bool, moved, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dirty, moved, total = r.dirty, r.movedCount, len(r.clients)
	if r.movedCount > 0 {
		for _, c := range r.clients {
			c.moved = false
		}
	}
	r.dirty = false
	r.movedCount = 0
	return dirty, moved, total
}

// AppendRoomPose builds the room's ROOM_POSE payload from cached raw bodies,
// in ascending client-number order, entirely under the read lock so body
// slices stay valid. Returns the extended buffer and the client count.
func (r *Room) AppendRoomPose(dst []byte) ([]byte, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]protocol.RoomPoseEntry, 0, len(r.clients))
	for _, no := range r.sortedNumbersLocked() {
		c := r.clients[no]
		if c.body == nil {
			continue
		}
		entries = append(entries, protocol.RoomPoseEntry{ClientNo: no, Body: c.body})
	}
	return protocol.AppendRoomPose(dst, r.id, entries), len(entries)
}

// MappingSnapshot lists all live clients for a DEVICE_ID_MAPPING broadcast,
// in ascending client-number order.
func (r *Room) MappingSnapshot() []protocol.MappingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]protocol.MappingEntry, 0, len(r.clients))
	for _, no := range r.sortedNumbersLocked() {
		c := r.clients[no]
		entries = append(entries, protocol.MappingEntry{
			ClientNo: no,
			Stealth:  c.Stealth,
			DeviceID: c.DeviceID,
		})
	}
	return entries
}

func (r *Room) sortedNumbersLocked() []uint16 {
	nums := make([]uint16, 0, len(r.clients))
	for no := range r.clients {
		nums = append(nums, no)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Lookup resolves a device-id to its client-number.
func (r *Room) Lookup(deviceID string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	no, ok := r.byDevice[deviceID]
	return no, ok
}

// ClientCount returns the number of live clients.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// reapStale removes clients whose last frame is older than timeout. It
// reports the reaped clients and whether the room is ready for destruction
// (empty on two consecutive passes).
func (r *Room) reapStale(now time.Time, timeout time.Duration) (reaped []Reaped, destroy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for no, c := range r.clients {
		if now.Sub(c.LastSeen) > timeout {
			delete(r.clients, no)
			delete(r.byDevice, c.DeviceID)
			if c.moved {
				r.movedCount--
			}
			reaped = append(reaped, Reaped{Room: r.id, ClientNo: no, DeviceID: c.DeviceID})
			// The next broadcast must go out (empty or not) so subscribers
			// see the departure.
			r.dirty = true
		}
	}

	if len(r.clients) == 0 {
		if r.emptyMarked {
			return reaped, true
		}
		r.emptyMarked = true
	} else {
		r.emptyMarked = false
	}
	return reaped, false
}
