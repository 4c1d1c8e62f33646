package relay

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/netsync-relay/internal/config"
	"github.com/adred-codev/netsync-relay/internal/metrics"
	"github.com/adred-codev/netsync-relay/internal/protocol"
	"github.com/adred-codev/netsync-relay/internal/registry"
)

// capturePub records published two-frame units in order.
type capturePub struct {
	mu   sync.Mutex
	msgs []outMsg
}

func (p *capturePub) Publish(topic string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, outMsg{topic: topic, payload: payload})
	return true
}

func (p *capturePub) byType(typ byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, m := range p.msgs {
		if len(m.payload) > 0 && m.payload[0] == typ {
			out = append(out, m.payload)
		}
	}
	return out
}

func (p *capturePub) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *capturePub) {
	t.Helper()
	s := New(config.Default(), zerolog.Nop(), metrics.New(), registry.New(zerolog.Nop()))
	pub := &capturePub{}
	s.pub = pub
	return s, pub
}

func posePayload(t *testing.T, deviceID string, seq uint32, p *protocol.Pose) []byte {
	t.Helper()
	payload, err := protocol.AppendClientPose(nil, deviceID, seq, p)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func simplePose(x float32) *protocol.Pose {
	return &protocol.Pose{
		Head: protocol.Transform{
			Pos: protocol.Vec3{X: x},
			Rot: protocol.Quat{W: 1},
		},
	}
}

func TestJoinBroadcastAndReap(t *testing.T) {
	s, pub := newTestServer(t)
	start := time.Now()

	s.handleUnit([]byte("R"), posePayload(t, "A", 1, simplePose(1)), start)
	s.tick(start)

	// First tick: mapping (join), full var sync, and the pose broadcast.
	poses := pub.byType(protocol.TypeRoomPose)
	if len(poses) != 1 {
		t.Fatalf("got %d ROOM_POSE messages, want 1", len(poses))
	}
	roomID, entries, err := protocol.DecodeRoomPose(poses[0])
	if err != nil {
		t.Fatal(err)
	}
	if roomID != "R" || len(entries) != 1 || entries[0].ClientNo != 1 {
		t.Fatalf("room %q entries %+v", roomID, entries)
	}
	mappings := pub.byType(protocol.TypeDeviceIDMapping)
	if len(mappings) != 1 {
		t.Fatalf("got %d mappings, want 1", len(mappings))
	}
	mapped, _ := protocol.DecodeDeviceIDMapping(mappings[0])
	if len(mapped) != 1 || mapped[0].DeviceID != "A" || mapped[0].ClientNo != 1 {
		t.Fatalf("mapping: %+v", mapped)
	}

	// Client stops sending; 1.1s later the reaper takes it and the next
	// emissions reflect the departure.
	pub.reset()
	reapAt := start.Add(1100 * time.Millisecond)
	s.tick(reapAt)

	mappings = pub.byType(protocol.TypeDeviceIDMapping)
	if len(mappings) != 1 {
		t.Fatalf("got %d post-reap mappings, want 1", len(mappings))
	}
	mapped, _ = protocol.DecodeDeviceIDMapping(mappings[0])
	if len(mapped) != 0 {
		t.Fatalf("reaped client still mapped: %+v", mapped)
	}
	poses = pub.byType(protocol.TypeRoomPose)
	if len(poses) != 1 {
		t.Fatalf("got %d post-reap ROOM_POSE, want 1", len(poses))
	}
	if _, entries, _ = protocol.DecodeRoomPose(poses[0]); len(entries) != 0 {
		t.Fatalf("reaped client still in broadcast: %+v", entries)
	}

	// One further tick destroys the empty room.
	s.tick(reapAt.Add(time.Second))
	if s.rooms.RoomCount() != 0 {
		t.Errorf("room not destroyed, count=%d", s.rooms.RoomCount())
	}
}

func TestBroadcastUsesCachedBodyVerbatim(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	payload := posePayload(t, "A", 7, simplePose(2.5))
	wantBody, err := protocol.DecodeClientPose(payload)
	if err != nil {
		t.Fatal(err)
	}
	s.handleUnit([]byte("R"), payload, now)
	s.tick(now)

	poses := pub.byType(protocol.TypeRoomPose)
	_, entries, err := protocol.DecodeRoomPose(poses[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(entries[0].Body, wantBody.Body) {
		t.Errorf("broadcast body not byte-exact with cached body")
	}
}

func TestStealthClient(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	stealth := simplePose(0)
	stealth.Stealth = true
	s.handleUnit([]byte("R"), posePayload(t, "ghost", 1, stealth), now)
	s.tick(now)

	mapped, _ := protocol.DecodeDeviceIDMapping(pub.byType(protocol.TypeDeviceIDMapping)[0])
	if len(mapped) != 1 || !mapped[0].Stealth {
		t.Fatalf("mapping should flag stealth: %+v", mapped)
	}
	_, entries, _ := protocol.DecodeRoomPose(pub.byType(protocol.TypeRoomPose)[0])
	if len(entries) != 1 {
		t.Fatalf("stealth client absent from broadcast: %+v", entries)
	}
	if entries[0].Body[0]&protocol.FlagStealth == 0 {
		t.Error("rebroadcast body lost the stealth flag")
	}
}

func TestMalformedFramesAreCountedAndSkipped(t *testing.T) {
	s, _ := newTestServer(t)
	now := time.Now()

	s.handleUnit([]byte(""), []byte{protocol.TypeClientPose}, now)         // bad room
	s.handleUnit([]byte("R"), nil, now)                                    // empty payload
	s.handleUnit([]byte("R"), []byte{1, 0, 0}, now)                        // legacy type
	s.handleUnit([]byte("R"), []byte{protocol.TypeClientPose, 9, 1}, now)  // bad version
	s.handleUnit([]byte("R"), []byte{protocol.TypeGlobalVarSet, 1, 0}, now)

	if got := testutil.ToFloat64(s.metrics.FramesDropped.WithLabelValues("room_id")); got != 1 {
		t.Errorf("room_id drops: %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.FramesDropped.WithLabelValues("unknown_type")); got != 1 {
		t.Errorf("unknown_type drops: %v", got)
	}

	// The loop keeps working after bad input.
	s.handleUnit([]byte("R"), posePayload(t, "A", 1, simplePose(1)), now)
	if s.rooms.ClientCount() != 1 {
		t.Error("valid message rejected after malformed ones")
	}
}

func TestRPCBroadcastRelayedVerbatim(t *testing.T) {
	s, pub := newTestServer(t)
	payload := protocol.AppendRPC(nil, &protocol.RPC{
		Type: protocol.TypeRPCBroadcast, Sender: 3, Function: "Spawn", Args: `{"x":1}`,
	})
	s.handleUnit([]byte("R"), payload, time.Now())

	relayed := pub.byType(protocol.TypeRPCBroadcast)
	if len(relayed) != 1 || !bytes.Equal(relayed[0], payload) {
		t.Fatalf("RPC not relayed verbatim: %x", relayed)
	}
	if pub.msgs[0].topic != "R" {
		t.Errorf("topic %q, want R", pub.msgs[0].topic)
	}
}

func TestRPCClientRelayedUnderRoomTopic(t *testing.T) {
	s, pub := newTestServer(t)
	payload := protocol.AppendRPC(nil, &protocol.RPC{
		Type: protocol.TypeRPCClient, Sender: 2, Target: 5, Function: "Ping", Args: `{}`,
	})
	s.handleUnit([]byte("R"), payload, time.Now())
	if got := pub.byType(protocol.TypeRPCClient); len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("targeted RPC not relayed: %x", got)
	}
}

type captureSink struct {
	calls []*RPCCall
	rooms []string
}

func (c *captureSink) HandleRPC(room string, rpc *RPCCall) {
	c.rooms = append(c.rooms, room)
	c.calls = append(c.calls, rpc)
}

func TestRPCServerDelivery(t *testing.T) {
	s, pub := newTestServer(t)
	payload := protocol.AppendRPC(nil, &protocol.RPC{
		Type: protocol.TypeRPCServer, Sender: 4, Function: "SaveScore", Args: `[1]`,
	})

	// Without a sink the message is silently dropped.
	s.handleUnit([]byte("R"), payload, time.Now())
	if len(pub.msgs) != 0 {
		t.Fatal("server RPC should not reach the publish socket")
	}

	sink := &captureSink{}
	s.SetRPCSink(sink)
	s.handleUnit([]byte("R"), payload, time.Now())
	if len(sink.calls) != 1 || sink.calls[0].Function != "SaveScore" || sink.rooms[0] != "R" {
		t.Fatalf("sink delivery: %+v", sink.calls)
	}
}

func TestVarWriteSyncsOnTick(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	s.handleUnit([]byte("R"), protocol.AppendVarSet(nil, &protocol.VarSet{
		Type: protocol.TypeGlobalVarSet, Sender: 2, Name: "score", Value: "10", Timestamp: 100,
	}), now)
	s.tick(now)

	syncs := pub.byType(protocol.TypeGlobalVarSync)
	if len(syncs) != 1 {
		t.Fatalf("got %d global syncs, want 1", len(syncs))
	}
	entries, _ := protocol.DecodeGlobalVarSync(syncs[0])
	if len(entries) != 1 || entries[0].Name != "score" || entries[0].Writer != 2 {
		t.Fatalf("sync entries: %+v", entries)
	}

	// No further writes: next tick emits no sync.
	pub.reset()
	s.tick(now.Add(50 * time.Millisecond))
	if got := pub.byType(protocol.TypeGlobalVarSync); len(got) != 0 {
		t.Errorf("unexpected sync without writes: %d", len(got))
	}
}

func TestLWWOverWire(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	write := func(sender uint16, value string, ts float64) {
		s.handleUnit([]byte("R"), protocol.AppendVarSet(nil, &protocol.VarSet{
			Type: protocol.TypeGlobalVarSet, Sender: sender, Name: "x", Value: value, Timestamp: ts,
		}), now)
	}
	write(7, "v1", 100)
	write(3, "v2", 100) // same timestamp, lower writer wins

	s.tick(now)
	entries, _ := protocol.DecodeGlobalVarSync(pub.byType(protocol.TypeGlobalVarSync)[0])
	if entries[0].Value != "v2" || entries[0].Writer != 3 {
		t.Fatalf("tie-break: %+v", entries[0])
	}
}

func TestPreSeedAppliesOnJoin(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	if err := s.PreSeed("R", "dev-a", "team", "red"); err != nil {
		t.Fatalf("PreSeed: %v", err)
	}
	s.handleUnit([]byte("R"), posePayload(t, "dev-a", 1, simplePose(0)), now)
	s.tick(now)

	syncs := pub.byType(protocol.TypeClientVarSync)
	if len(syncs) == 0 {
		t.Fatal("no client var sync emitted")
	}
	found := false
	for _, payload := range syncs {
		clients, err := protocol.DecodeClientVarSync(payload)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range clients {
			for _, e := range c.Entries {
				if e.Name == "team" && e.Value == "red" && e.Writer == 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("pre-seeded variable not synced after join")
	}
}

func TestAdaptivePeriod(t *testing.T) {
	s, _ := newTestServer(t)
	floor := s.cfg.BroadcastMinPeriod()
	ceiling := s.cfg.BroadcastMaxPeriod()

	// 8 of 10 clients moving: halve, clamped at the floor.
	if got := s.adaptPeriod(200*time.Millisecond, 8, 10); got != 100*time.Millisecond {
		t.Errorf("high activity: %v", got)
	}
	if got := s.adaptPeriod(floor, 8, 10); got != floor {
		t.Errorf("floor clamp: %v", got)
	}
	// Idle: double, clamped at the ceiling.
	if got := s.adaptPeriod(200*time.Millisecond, 0, 10); got != 400*time.Millisecond {
		t.Errorf("idle: %v", got)
	}
	if got := s.adaptPeriod(400*time.Millisecond, 0, 10); got != ceiling {
		t.Errorf("ceiling clamp: %v", got)
	}
	// 3 of 10 (between 10% and 50%): hold.
	if got := s.adaptPeriod(200*time.Millisecond, 3, 10); got != 200*time.Millisecond {
		t.Errorf("hold: %v", got)
	}
	// Exactly 50% halves; exactly 10% holds.
	if got := s.adaptPeriod(200*time.Millisecond, 5, 10); got != 100*time.Millisecond {
		t.Errorf("50%% boundary: %v", got)
	}
	if got := s.adaptPeriod(200*time.Millisecond, 1, 10); got != 200*time.Millisecond {
		t.Errorf("10%% boundary: %v", got)
	}
}

func TestIdleRoomReachesCeiling(t *testing.T) {
	s, _ := newTestServer(t)
	now := time.Now()

	// Two clients keep the room alive but stop moving after the first tick.
	s.handleUnit([]byte("R"), posePayload(t, "a", 1, simplePose(1)), now)
	s.handleUnit([]byte("R"), posePayload(t, "b", 1, simplePose(2)), now)
	s.tick(now)

	room, _ := s.rooms.Get("R")
	ceiling := s.cfg.BroadcastMaxPeriod()
	for i := 0; i < 8; i++ {
		now = room.Sched.NextDue.Add(time.Millisecond)
		// Keep the clients fresh so they are not reaped.
		room.Touch(1, now)
		room.Touch(2, now)
		s.tick(now)
	}
	if room.Sched.Period != ceiling {
		t.Errorf("idle period %v, want ceiling %v", room.Sched.Period, ceiling)
	}
}

func TestEgressQueueOverflowDrops(t *testing.T) {
	m := metrics.New()
	e := newEgress(nil, m, zerolog.Nop())

	for i := 0; i < egressQueueSize; i++ {
		if !e.Publish("R", []byte{1}) {
			t.Fatalf("publish %d dropped below capacity", i)
		}
	}
	if e.Publish("R", []byte{1}) {
		t.Fatal("over-capacity publish accepted")
	}
	if got := testutil.ToFloat64(m.EgressDropped); got != 1 {
		t.Errorf("drop counter: %v", got)
	}
}

func TestPeriodicMappingCadence(t *testing.T) {
	s, pub := newTestServer(t)
	now := time.Now()

	s.handleUnit([]byte("R"), posePayload(t, "a", 1, simplePose(0)), now)
	s.tick(now)
	pub.reset()

	room, _ := s.rooms.Get("R")
	// Keep the client active for many emissions; every 10th carries a
	// mapping even without joins or reaps.
	seq := uint32(2)
	for i := 0; i < mappingEvery*2; i++ {
		now = room.Sched.NextDue.Add(time.Millisecond)
		s.handleUnit([]byte("R"), posePayload(t, "a", seq, simplePose(float32(i))), now)
		seq++
		s.tick(now)
	}
	if got := len(pub.byType(protocol.TypeDeviceIDMapping)); got != 2 {
		t.Errorf("got %d periodic mappings over %d emissions, want 2", got, mappingEvery*2)
	}
}
