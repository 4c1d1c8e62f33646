// Package vars implements the per-room network variable store: global and
// per-client key/value maps with last-writer-wins conflict resolution,
// per-scope size caps, dirty tracking for incremental sync broadcasts, and
// the admin pre-seed path.
package vars

import (
	"errors"
	"sort"
	"sync"

	"github.com/adred-codev/netsync-relay/internal/protocol"
)

// Per-scope caps. A scope is either a room's global map or one client's map.
const (
	MaxNamesPerScope = 100
	MaxAdminNames    = 20 // names per client settable through the admin API
)

// ServerWriter is the reserved writer number for admin pre-seeded values. It
// wins LWW ties against any real client (lower writer wins).
const ServerWriter uint16 = 0

// ErrAdminCapExceeded is returned when a device already has MaxAdminNames
// admin-set variable names. The admin API maps it to 413.
var ErrAdminCapExceeded = errors.New("admin variable cap exceeded")

// WriteResult classifies the outcome of a variable write.
type WriteResult int

const (
	// Stored means the write won and a sync broadcast is scheduled.
	Stored WriteResult = iota
	// Stale means an equal-or-newer write already holds the name. Not an
	// error; the write is a counted no-op.
	Stale
	// CapacityExceeded means the scope already holds MaxNamesPerScope
	// distinct names and the write introduced a new one.
	CapacityExceeded
)

type entry struct {
	value     string
	timestamp float64
	writer    uint16
}

// wins reports whether an incoming (timestamp, writer) pair beats the stored
// entry: timestamp dominant, ties broken by lower writer number.
func (e entry) wins(timestamp float64, writer uint16) bool {
	if timestamp != e.timestamp {
		return timestamp > e.timestamp
	}
	return writer < e.writer
}

// RoomVars holds all variable state for one room. Values are sticky for the
// room's lifetime: reaping a client does not clear its variables.
type RoomVars struct {
	mu      sync.Mutex
	globals map[string]entry
	clients map[uint16]map[string]entry

	// Admin pre-seeds for devices that have not joined yet, keyed by
	// device-id. Applied on first pose.
	pending map[string]map[string]entry

	// Names ever set through the admin API per device, for the 20-name cap.
	adminNames map[string]map[string]struct{}

	dirtyGlobals map[string]struct{}
	dirtyClients map[uint16]map[string]struct{}
}

// NewRoomVars returns an empty store for one room.
func NewRoomVars() *RoomVars {
	return &RoomVars{
		globals:      make(map[string]entry),
		clients:      make(map[uint16]map[string]entry),
		pending:      make(map[string]map[string]entry),
		adminNames:   make(map[string]map[string]struct{}),
		dirtyGlobals: make(map[string]struct{}),
		dirtyClients: make(map[uint16]map[string]struct{}),
	}
}

// SetGlobal applies one LWW write to the room's global scope. Name and value
// are assumed codec-validated.
func (v *RoomVars) SetGlobal(name, value string, timestamp float64, writer uint16) WriteResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	res := setScoped(v.globals, name, value, timestamp, writer)
	if res == Stored {
		v.dirtyGlobals[name] = struct{}{}
	}
	return res
}

// SetClient applies one LWW write to a client's scope.
func (v *RoomVars) SetClient(clientNo uint16, name, value string, timestamp float64, writer uint16) WriteResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setClientLocked(clientNo, name, value, timestamp, writer)
}

func (v *RoomVars) setClientLocked(clientNo uint16, name, value string, timestamp float64, writer uint16) WriteResult {
	scope := v.clients[clientNo]
	if scope == nil {
		scope = make(map[string]entry)
		v.clients[clientNo] = scope
	}
	res := setScoped(scope, name, value, timestamp, writer)
	if res == Stored {
		dirty := v.dirtyClients[clientNo]
		if dirty == nil {
			dirty = make(map[string]struct{})
			v.dirtyClients[clientNo] = dirty
		}
		dirty[name] = struct{}{}
	}
	return res
}

func setScoped(scope map[string]entry, name, value string, timestamp float64, writer uint16) WriteResult {
	stored, exists := scope[name]
	if !exists && len(scope) >= MaxNamesPerScope {
		return CapacityExceeded
	}
	if exists && !stored.wins(timestamp, writer) {
		return Stale
	}
	scope[name] = entry{value: value, timestamp: timestamp, writer: writer}
	return Stored
}

// AdminSet pre-seeds one variable for a device through the admin API. If the
// device has joined (joined=true, clientNo valid), the value goes straight to
// its scope; otherwise it is held pending until the device's first pose.
// Name/value cap violations return protocol.ErrMalformedFrame; the 20-name
// admin cap returns ErrAdminCapExceeded.
func (v *RoomVars) AdminSet(deviceID string, clientNo uint16, joined bool, name, value string, timestamp float64) (WriteResult, error) {
	if err := protocol.ValidateVarName(name); err != nil {
		return Stale, err
	}
	if err := protocol.ValidateVarValue(value); err != nil {
		return Stale, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	names := v.adminNames[deviceID]
	if _, known := names[name]; !known && len(names) >= MaxAdminNames {
		return Stale, ErrAdminCapExceeded
	}

	var res WriteResult
	if joined {
		res = v.setClientLocked(clientNo, name, value, timestamp, ServerWriter)
	} else {
		scope := v.pending[deviceID]
		if scope == nil {
			scope = make(map[string]entry)
			v.pending[deviceID] = scope
		}
		res = setScoped(scope, name, value, timestamp, ServerWriter)
	}
	if res == CapacityExceeded {
		return res, nil
	}

	if names == nil {
		names = make(map[string]struct{})
		v.adminNames[deviceID] = names
	}
	names[name] = struct{}{}
	return res, nil
}

// ApplyPending moves any admin pre-seeds for deviceID into the newly joined
// client's scope, LWW-merged with whatever is already there.
func (v *RoomVars) ApplyPending(deviceID string, clientNo uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()

	scope, ok := v.pending[deviceID]
	if !ok {
		return
	}
	delete(v.pending, deviceID)
	for name, e := range scope {
		v.setClientLocked(clientNo, name, e.value, e.timestamp, e.writer)
	}
}

// ConsumeDirty returns the entries changed since the last call and clears the
// dirty sets. Entry order is deterministic (sorted by name / client number).
func (v *RoomVars) ConsumeDirty() ([]protocol.VarEntry, []protocol.ClientVars) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var globals []protocol.VarEntry
	if len(v.dirtyGlobals) > 0 {
		globals = make([]protocol.VarEntry, 0, len(v.dirtyGlobals))
		for name := range v.dirtyGlobals {
			if e, ok := v.globals[name]; ok {
				globals = append(globals, varEntry(name, e))
			}
		}
		sortEntries(globals)
		v.dirtyGlobals = make(map[string]struct{})
	}

	var clients []protocol.ClientVars
	if len(v.dirtyClients) > 0 {
		clients = make([]protocol.ClientVars, 0, len(v.dirtyClients))
		for no, names := range v.dirtyClients {
			scope := v.clients[no]
			entries := make([]protocol.VarEntry, 0, len(names))
			for name := range names {
				if e, ok := scope[name]; ok {
					entries = append(entries, varEntry(name, e))
				}
			}
			sortEntries(entries)
			clients = append(clients, protocol.ClientVars{ClientNo: no, Entries: entries})
		}
		sortClients(clients)
		v.dirtyClients = make(map[uint16]map[string]struct{})
	}
	return globals, clients
}

// FullSync returns every stored variable in the room, for newly joined
// clients. Dirty state is untouched.
func (v *RoomVars) FullSync() ([]protocol.VarEntry, []protocol.ClientVars) {
	v.mu.Lock()
	defer v.mu.Unlock()

	globals := make([]protocol.VarEntry, 0, len(v.globals))
	for name, e := range v.globals {
		globals = append(globals, varEntry(name, e))
	}
	sortEntries(globals)

	clients := make([]protocol.ClientVars, 0, len(v.clients))
	for no, scope := range v.clients {
		entries := make([]protocol.VarEntry, 0, len(scope))
		for name, e := range scope {
			entries = append(entries, varEntry(name, e))
		}
		sortEntries(entries)
		clients = append(clients, protocol.ClientVars{ClientNo: no, Entries: entries})
	}
	sortClients(clients)
	return globals, clients
}

// HasDirty reports whether any sync broadcast is pending.
func (v *RoomVars) HasDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.dirtyGlobals) > 0 || len(v.dirtyClients) > 0
}

// Counts returns the number of stored global names and client scopes, for
// the admin stats endpoint.
func (v *RoomVars) Counts() (globals, clientScopes int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.globals), len(v.clients)
}

func varEntry(name string, e entry) protocol.VarEntry {
	return protocol.VarEntry{Name: name, Value: e.value, Timestamp: e.timestamp, Writer: e.writer}
}

func sortEntries(entries []protocol.VarEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

func sortClients(clients []protocol.ClientVars) {
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientNo < clients[j].ClientNo })
}
