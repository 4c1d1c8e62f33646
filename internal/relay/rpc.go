package relay

import (
	"github.com/adred-codev/netsync-relay/internal/protocol"
)

// handleRPC routes one RPC unit. Broadcast and targeted RPCs are re-emitted
// verbatim under the room topic with no re-serialization; targeted RPCs rely
// on the receiving clients filtering by their own client-number. Server-bound
// RPCs go to the in-process sink.
func (s *Server) handleRPC(roomID string, payload []byte) {
	rpc, err := protocol.DecodeRPC(payload)
	if err != nil {
		s.drop("malformed_rpc")
		return
	}

	switch rpc.Type {
	case protocol.TypeRPCBroadcast:
		s.metrics.MessagesReceived.WithLabelValues("rpc_broadcast").Inc()
		s.relayRPC(roomID, payload, "broadcast")
	case protocol.TypeRPCClient:
		s.metrics.MessagesReceived.WithLabelValues("rpc_client").Inc()
		s.relayRPC(roomID, payload, "client")
	case protocol.TypeRPCServer:
		s.metrics.MessagesReceived.WithLabelValues("rpc_server").Inc()
		if s.sink == nil {
			return
		}
		s.metrics.RPCRelayed.WithLabelValues("server").Inc()
		s.sink.HandleRPC(roomID, &RPCCall{
			Sender:   rpc.Sender,
			Function: rpc.Function,
			Args:     rpc.Args,
		})
	}
}

func (s *Server) relayRPC(roomID string, payload []byte, kind string) {
	// The incoming frame is owned by this loop once received, so it can be
	// handed to egress without copying.
	if s.pub.Publish(roomID, payload) {
		s.metrics.RPCRelayed.WithLabelValues(kind).Inc()
	}
}
