package relay

import (
	"context"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/adred-codev/netsync-relay/internal/metrics"
)

// egressQueueSize bounds the publish queue. The publish path is best-effort:
// a dropped ROOM_POSE is superseded by the next tick and mappings are resent
// periodically, so overflow drops instead of blocking the producers.
const egressQueueSize = 1024

type outMsg struct {
	topic   string
	payload []byte
}

// egress owns the publish socket. All writes to it go through the queue so
// the socket is only ever touched from one goroutine.
type egress struct {
	sock    zmq4.Socket
	queue   chan outMsg
	metrics *metrics.Registry
	log     zerolog.Logger
}

func newEgress(sock zmq4.Socket, m *metrics.Registry, log zerolog.Logger) *egress {
	return &egress{
		sock:    sock,
		queue:   make(chan outMsg, egressQueueSize),
		metrics: m,
		log:     log.With().Str("component", "egress").Logger(),
	}
}

// Publish enqueues a two-frame unit (topic, payload) for the publish socket.
func (e *egress) Publish(topic string, payload []byte) bool {
	select {
	case e.queue <- outMsg{topic: topic, payload: payload}:
		return true
	default:
		e.metrics.EgressDropped.Inc()
		return false
	}
}

func (e *egress) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.queue:
			msg := zmq4.NewMsgFrom([]byte(m.topic), m.payload)
			if err := e.sock.Send(msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.Warn().Err(err).Str("room", m.topic).Msg("publish failed")
				continue
			}
			e.metrics.BytesSent.Add(float64(len(m.payload)))
		}
	}
}
