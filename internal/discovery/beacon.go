// Package discovery answers LAN discovery probes so clients can find the
// relay without configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Request is the exact probe payload clients broadcast.
const Request = "STYLY-NETSYNC-DISCOVER"

// replyPrefix starts every beacon response.
const replyPrefix = "STYLY-NETSYNC"

// readTimeout keeps the read loop responsive to shutdown.
const readTimeout = 250 * time.Millisecond

// Beacon is a UDP responder: any datagram matching Request is answered with
// "STYLY-NETSYNC|<dealer-port>|<publish-port>|<server-name>". Everything else
// is ignored.
type Beacon struct {
	port       int
	dealerPort int
	pubPort    int
	serverName string
	log        zerolog.Logger
}

// New configures a beacon; Run binds and serves it.
func New(port, dealerPort, pubPort int, serverName string, log zerolog.Logger) *Beacon {
	return &Beacon{
		port:       port,
		dealerPort: dealerPort,
		pubPort:    pubPort,
		serverName: serverName,
		log:        log.With().Str("component", "discovery").Logger(),
	}
}

// Reply returns the response datagram.
func (b *Beacon) Reply() []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s", replyPrefix, b.dealerPort, b.pubPort, b.serverName))
}

// Run serves probes until ctx is cancelled. A bind failure is returned
// immediately; per-datagram errors are logged and skipped.
func (b *Beacon) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: b.port})
	if err != nil {
		return fmt.Errorf("bind discovery socket on port %d: %w", b.port, err)
	}
	defer conn.Close()

	b.log.Info().Int("port", b.port).Msg("discovery beacon listening")

	buf := make([]byte, 512)
	reply := b.Reply()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn().Err(err).Msg("discovery read failed")
			continue
		}
		if !b.IsRequest(buf[:n]) {
			continue
		}
		if _, err := conn.WriteToUDP(reply, addr); err != nil {
			b.log.Warn().Err(err).Stringer("peer", addr).Msg("discovery reply failed")
		}
	}
}

// IsRequest reports whether a datagram is a well-formed probe.
func (b *Beacon) IsRequest(payload []byte) bool {
	return string(payload) == Request
}
