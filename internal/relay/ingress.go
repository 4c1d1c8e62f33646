package relay

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/netsync-relay/internal/protocol"
	"github.com/adred-codev/netsync-relay/internal/registry"
)

// ingressLoop is the single consumer of the request socket. ROUTER framing
// prepends the peer identity, so each unit arrives as three frames:
// identity, room id, payload. Within one peer identity, units are processed
// in receive order.
func (s *Server) ingressLoop(ctx context.Context) error {
	for {
		msg, err := s.router.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		frames := msg.Frames
		if len(frames) != 3 {
			s.drop("frame_count")
			continue
		}
		s.metrics.BytesReceived.Add(float64(len(frames[2])))
		s.handleUnit(frames[1], frames[2], time.Now())
	}
}

func (s *Server) drop(reason string) {
	s.metrics.FramesDropped.WithLabelValues(reason).Inc()
}

// handleUnit validates and dispatches one two-frame unit. Malformed input
// drops the single message; the loop never stops on bad data.
func (s *Server) handleUnit(room, payload []byte, now time.Time) {
	if err := protocol.ValidateRoomID(room); err != nil {
		s.drop("room_id")
		return
	}
	typ, err := protocol.MessageType(payload)
	if err != nil {
		s.drop("empty_payload")
		return
	}

	switch typ {
	case protocol.TypeClientPose:
		s.handleClientPose(string(room), payload, now)
	case protocol.TypeRPCBroadcast, protocol.TypeRPCServer, protocol.TypeRPCClient:
		s.handleRPC(string(room), payload)
	case protocol.TypeGlobalVarSet, protocol.TypeClientVarSet:
		s.handleVarSet(string(room), payload)
	default:
		// Includes the retired v1/v2 transform types and all server-to-client
		// types, which are never valid on the request socket.
		s.drop("unknown_type")
	}
}

func (s *Server) handleClientPose(roomID string, payload []byte, now time.Time) {
	cp, err := protocol.DecodeClientPose(payload)
	if err != nil {
		s.drop("malformed_pose")
		return
	}
	s.metrics.MessagesReceived.WithLabelValues("client_pose").Inc()

	room := s.rooms.GetOrCreate(roomID)
	no, isNew, err := room.Upsert(cp.DeviceID, now)
	if err != nil {
		if errors.Is(err, registry.ErrRoomFull) {
			s.metrics.RoomFull.Inc()
			s.rooms.LogRoomFull(room)
			return
		}
		s.log.Error().Err(err).Str("room", roomID).Msg("upsert failed")
		return
	}
	room.CachePose(no, cp.Body, cp.Stealth, cp.Sequence)

	if isNew {
		room.Vars.ApplyPending(cp.DeviceID, no)
		// New subscribers need the number-to-device mapping and the current
		// variable state without waiting for the periodic cadence.
		room.Sched.MappingDue.Store(true)
		room.Sched.FullSyncDue.Store(true)
		s.log.Debug().Str("room", roomID).Uint16("client", no).Str("device", cp.DeviceID).Msg("client joined")
	}
}

func (s *Server) handleVarSet(roomID string, payload []byte) {
	vs, err := protocol.DecodeVarSet(payload)
	if err != nil {
		s.drop("malformed_var_set")
		return
	}

	room := s.rooms.GetOrCreate(roomID)
	if vs.Type == protocol.TypeGlobalVarSet {
		s.metrics.MessagesReceived.WithLabelValues("global_var_set").Inc()
		s.countWrite(room.Vars.SetGlobal(vs.Name, vs.Value, vs.Timestamp, vs.Sender))
	} else {
		s.metrics.MessagesReceived.WithLabelValues("client_var_set").Inc()
		s.countWrite(room.Vars.SetClient(vs.Target, vs.Name, vs.Value, vs.Timestamp, vs.Sender))
	}
}
