// Package metrics defines the Prometheus collectors exposed on the admin
// endpoint. Nothing propagates to clients over the wire, so these counters
// are the only visibility into drops, rejects, and stale writes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles all server collectors behind one Prometheus registry.
type Registry struct {
	Reg *prometheus.Registry

	// Ingress
	MessagesReceived *prometheus.CounterVec // by message kind
	FramesDropped    *prometheus.CounterVec // by drop reason
	BytesReceived    prometheus.Counter

	// Egress
	BroadcastsSent prometheus.Counter
	MappingsSent   prometheus.Counter
	VarSyncsSent   prometheus.Counter
	RPCRelayed     *prometheus.CounterVec // by rpc kind
	EgressDropped  prometheus.Counter
	BytesSent      prometheus.Counter

	// State
	RoomsActive   prometheus.Gauge
	ClientsActive prometheus.Gauge
	ClientsReaped prometheus.Counter
	RoomFull      prometheus.Counter

	// Variable store
	VarWritesStored   prometheus.Counter
	VarWritesStale    prometheus.Counter
	VarWritesRejected prometheus.Counter
}

// New builds and registers every collector on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		Reg: reg,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_messages_received_total",
			Help: "Messages read from the request socket, by kind",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_frames_dropped_total",
			Help: "Incoming messages dropped, by reason",
		}, []string{"reason"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_bytes_received_total",
			Help: "Payload bytes read from the request socket",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_room_pose_broadcasts_total",
			Help: "ROOM_POSE broadcasts emitted",
		}),
		MappingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_device_mappings_total",
			Help: "DEVICE_ID_MAPPING broadcasts emitted",
		}),
		VarSyncsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_var_syncs_total",
			Help: "Variable sync broadcasts emitted",
		}),
		RPCRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsync_rpc_relayed_total",
			Help: "RPC messages routed, by kind",
		}, []string{"kind"}),
		EgressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_egress_dropped_total",
			Help: "Outgoing messages dropped because the egress queue was full",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_bytes_sent_total",
			Help: "Payload bytes written to the publish socket",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netsync_rooms_active",
			Help: "Current number of live rooms",
		}),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netsync_clients_active",
			Help: "Current number of live clients across all rooms",
		}),
		ClientsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_clients_reaped_total",
			Help: "Clients removed by the inactivity reaper",
		}),
		RoomFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_room_full_total",
			Help: "Client-number allocations refused because the pool was exhausted",
		}),
		VarWritesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_var_writes_stored_total",
			Help: "Variable writes that won LWW and were stored",
		}),
		VarWritesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_var_writes_stale_total",
			Help: "Variable writes dropped as stale under LWW",
		}),
		VarWritesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsync_var_writes_rejected_total",
			Help: "Variable writes rejected by the per-scope name cap",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived, m.FramesDropped, m.BytesReceived,
		m.BroadcastsSent, m.MappingsSent, m.VarSyncsSent, m.RPCRelayed,
		m.EgressDropped, m.BytesSent,
		m.RoomsActive, m.ClientsActive, m.ClientsReaped, m.RoomFull,
		m.VarWritesStored, m.VarWritesStale, m.VarWritesRejected,
	)
	return m
}
