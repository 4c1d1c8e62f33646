// Package relay implements the server core: the ingress loop that reads
// framed messages off the request socket, the adaptive broadcaster that fans
// room state out on the publish socket, the RPC router, and the variable
// store wiring.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/adred-codev/netsync-relay/internal/config"
	"github.com/adred-codev/netsync-relay/internal/metrics"
	"github.com/adred-codev/netsync-relay/internal/registry"
	"github.com/adred-codev/netsync-relay/internal/vars"
)

// closeWait bounds socket teardown when a peer is stuck.
const closeWait = 500 * time.Millisecond

// Publisher is the egress sink shared by the broadcaster and the RPC router.
// Publish must not block; it reports false when the message was dropped.
// Callers hand over ownership of both slices.
type Publisher interface {
	Publish(topic string, payload []byte) bool
}

// RPCSink receives server-bound RPCs (message type 4). When no sink is
// registered those messages are silently dropped, which is not an error.
type RPCSink interface {
	HandleRPC(room string, rpc *RPCCall)
}

// RPCCall is a server-bound RPC as delivered to the sink.
type RPCCall struct {
	Sender   uint16
	Function string
	Args     string // opaque UTF-8 JSON, never parsed by the relay
}

// Server multiplexes one ingress socket and one egress socket across all
// rooms.
type Server struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Registry
	rooms   *registry.Registry

	router zmq4.Socket
	pub    Publisher
	out    *egress
	pool   *workerPool

	sink RPCSink

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a server around an existing registry and metrics set. Sockets
// are not bound until Run.
func New(cfg config.Config, log zerolog.Logger, m *metrics.Registry, rooms *registry.Registry) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "relay").Logger(),
		metrics: m,
		rooms:   rooms,
		pool:    newWorkerPool(4, 64),
	}
}

// SetRPCSink registers the in-process handler for server-bound RPCs.
func (s *Server) SetRPCSink(sink RPCSink) { s.sink = sink }

// Rooms exposes the registry for the admin interface.
func (s *Server) Rooms() *registry.Registry { return s.rooms }

// PreSeed applies one admin variable for a device, before or after it joins.
// It is the entry point used by the admin HTTP sidecar.
func (s *Server) PreSeed(roomID, deviceID, name, value string) error {
	room := s.rooms.GetOrCreate(roomID)
	no, joined := room.Lookup(deviceID)
	ts := float64(time.Now().UnixNano()) / float64(time.Second)

	res, err := room.Vars.AdminSet(deviceID, no, joined, name, value, ts)
	if err != nil {
		return err
	}
	s.countWrite(res)
	return nil
}

func (s *Server) countWrite(res vars.WriteResult) {
	switch res {
	case vars.Stored:
		s.metrics.VarWritesStored.Inc()
	case vars.Stale:
		s.metrics.VarWritesStale.Inc()
	case vars.CapacityExceeded:
		s.metrics.VarWritesRejected.Inc()
	}
}

// Run binds both sockets and drives the ingress loop, the broadcaster, and
// the egress writer until ctx is cancelled. Bind failures are fatal.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	defer close(s.done)
	defer cancel()

	router := zmq4.NewRouter(ctx)
	if err := router.Listen(fmt.Sprintf("tcp://0.0.0.0:%d", s.cfg.DealerPort)); err != nil {
		return fmt.Errorf("bind request socket on port %d: %w", s.cfg.DealerPort, err)
	}
	s.router = router

	pub := zmq4.NewPub(ctx)
	if err := pub.SetOption(zmq4.OptionHWM, 1000); err != nil {
		// Best-effort: the pure-Go transport queues internally either way.
		s.log.Debug().Err(err).Msg("publish high-water mark not applied")
	}
	if err := pub.Listen(fmt.Sprintf("tcp://0.0.0.0:%d", s.cfg.PubPort)); err != nil {
		closeSocket(router)
		return fmt.Errorf("bind publish socket on port %d: %w", s.cfg.PubPort, err)
	}

	s.out = newEgress(pub, s.metrics, s.log)
	s.pub = s.out
	s.pool.start(ctx)

	s.log.Info().
		Int("dealer_port", s.cfg.DealerPort).
		Int("pub_port", s.cfg.PubPort).
		Msg("relay listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.ingressLoop(ctx) }()
	go s.out.run(ctx)
	go s.broadcastLoop(ctx)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}

	closeSocket(router)
	closeSocket(pub)
	s.pool.stop()
	return err
}

// Stop cancels Run and waits for it to return.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// closeSocket closes a zmq socket, abandoning it after closeWait if a stuck
// peer keeps Close from returning.
func closeSocket(sock zmq4.Socket) {
	done := make(chan struct{})
	go func() {
		_ = sock.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeWait):
	}
}
