package relay

import (
	"context"
	"time"

	"github.com/adred-codev/netsync-relay/internal/protocol"
	"github.com/adred-codev/netsync-relay/internal/registry"
)

// mappingEvery is the periodic DEVICE_ID_MAPPING cadence: one mapping per
// this many ROOM_POSE emissions. Joins and reaps additionally force one out
// on the next tick.
const mappingEvery = 10

// broadcastLoop wakes at the adaptive floor and serves every room whose own
// period has elapsed. Reaping runs from the same loop so departures are
// reflected in the very next emissions.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastMinPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs one broadcaster pass over all rooms.
func (s *Server) tick(now time.Time) {
	reaped, _ := s.rooms.ReapStale(now, s.cfg.InactivityTimeout())
	for _, c := range reaped {
		s.metrics.ClientsReaped.Inc()
		if room, ok := s.rooms.Get(c.Room); ok {
			room.Sched.MappingDue.Store(true)
		}
	}

	for _, room := range s.rooms.Rooms() {
		s.serveRoom(room, now)
	}

	s.metrics.RoomsActive.Set(float64(s.rooms.RoomCount()))
	s.metrics.ClientsActive.Set(float64(s.rooms.ClientCount()))
}

func (s *Server) serveRoom(room *registry.Room, now time.Time) {
	sched := &room.Sched
	if sched.Period == 0 {
		// First tick for a freshly created room: traffic created it, so it
		// starts at the floor.
		sched.Period = s.cfg.BroadcastMinPeriod()
		sched.NextDue = now
	}

	// Join/reap driven emissions and variable syncs are not gated by the
	// room's pose period.
	if sched.MappingDue.Swap(false) {
		s.emitMapping(room)
	}
	if sched.FullSyncDue.Swap(false) {
		s.pool.submit(func() { s.emitFullSync(room) })
	}
	if room.Vars.HasDirty() {
		s.emitDirtyVars(room)
	}

	if now.Before(sched.NextDue) {
		return
	}

	dirty, moved, total := room.ConsumeActivity()
	if dirty {
		payload, count := room.AppendRoomPose(nil)
		if s.pub.Publish(room.ID(), payload) {
			s.metrics.BroadcastsSent.Inc()
		}
		sched.Emissions++
		if sched.Emissions%mappingEvery == 0 && count > 0 {
			s.emitMapping(room)
		}
	}

	sched.Period = s.adaptPeriod(sched.Period, moved, total)
	sched.NextDue = now.Add(sched.Period)
}

// adaptPeriod applies the activity rule: at or above 50% of clients moving,
// halve the period toward the floor; under 10%, double toward the ceiling;
// otherwise hold.
func (s *Server) adaptPeriod(period time.Duration, moved, total int) time.Duration {
	if total == 0 {
		return period
	}
	switch {
	case moved*2 >= total:
		period /= 2
		if min := s.cfg.BroadcastMinPeriod(); period < min {
			period = min
		}
	case moved*10 < total:
		period *= 2
		if max := s.cfg.BroadcastMaxPeriod(); period > max {
			period = max
		}
	}
	return period
}

func (s *Server) emitMapping(room *registry.Room) {
	payload := protocol.AppendDeviceIDMapping(nil, room.MappingSnapshot())
	if s.pub.Publish(room.ID(), payload) {
		s.metrics.MappingsSent.Inc()
	}
}

// emitDirtyVars sends only the entries changed since the last sync.
func (s *Server) emitDirtyVars(room *registry.Room) {
	globals, clients := room.Vars.ConsumeDirty()
	if len(globals) > 0 {
		if s.pub.Publish(room.ID(), protocol.AppendGlobalVarSync(nil, globals)) {
			s.metrics.VarSyncsSent.Inc()
		}
	}
	if len(clients) > 0 {
		if s.pub.Publish(room.ID(), protocol.AppendClientVarSync(nil, clients)) {
			s.metrics.VarSyncsSent.Inc()
		}
	}
}

// emitFullSync sends the room's entire variable state, so a client that just
// joined converges without waiting for writes. Potentially large, so it runs
// on the worker pool.
func (s *Server) emitFullSync(room *registry.Room) {
	globals, clients := room.Vars.FullSync()
	if s.pub.Publish(room.ID(), protocol.AppendGlobalVarSync(nil, globals)) {
		s.metrics.VarSyncsSent.Inc()
	}
	if s.pub.Publish(room.ID(), protocol.AppendClientVarSync(nil, clients)) {
		s.metrics.VarSyncsSent.Inc()
	}
}
