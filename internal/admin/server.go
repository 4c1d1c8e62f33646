// Package admin serves the sidecar HTTP interface: variable pre-seeding,
// health, Prometheus metrics, and process statistics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/netsync-relay/internal/metrics"
	"github.com/adred-codev/netsync-relay/internal/protocol"
	"github.com/adred-codev/netsync-relay/internal/registry"
	"github.com/adred-codev/netsync-relay/internal/vars"
)

// Relay is the part of the relay core the admin interface drives.
type Relay interface {
	PreSeed(roomID, deviceID, name, value string) error
	Rooms() *registry.Registry
}

// Server is the admin HTTP server.
type Server struct {
	port    int
	relay   Relay
	metrics *metrics.Registry
	log     zerolog.Logger
	http    *http.Server
}

// New wires the admin routes.
func New(port int, relay Relay, m *metrics.Registry, log zerolog.Logger) *Server {
	s := &Server{
		port:    port,
		relay:   relay,
		metrics: m,
		log:     log.With().Str("component", "admin").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(m.Reg, promhttp.HandlerOpts{}))
	r.Get("/v1/stats", s.handleStats)
	r.Post("/v1/rooms/{roomID}/devices/{deviceID}/client-variables", s.handlePreSeed)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down with a bounded grace
// period; in-flight requests past it are cut off.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.port).Msg("admin interface listening")
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin listen on port %d: %w", s.port, err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		_ = s.http.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePreSeed applies a JSON object of name/value pairs to one device's
// variables with the reserved server writer.
func (s *Server) handlePreSeed(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	deviceID := chi.URLParam(r, "deviceID")
	if roomID == "" || len(roomID) > protocol.MaxRoomIDLen || deviceID == "" || len(deviceID) > protocol.MaxDeviceIDLen {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid room or device id"})
		return
	}

	var values map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&values); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object of string values"})
		return
	}

	applied := 0
	for name, value := range values {
		err := s.relay.PreSeed(roomID, deviceID, name, value)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, vars.ErrAdminCapExceeded):
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error":   "admin variable cap exceeded",
				"applied": applied,
			})
			return
		case errors.Is(err, protocol.ErrMalformedFrame):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   err.Error(),
				"applied": applied,
			})
			return
		default:
			s.log.Error().Err(err).Str("room", roomID).Str("device", deviceID).Msg("pre-seed failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type roomStats struct {
		ID           string `json:"id"`
		Clients      int    `json:"clients"`
		GlobalVars   int    `json:"global_vars"`
		ClientScopes int    `json:"client_var_scopes"`
	}
	rooms := s.relay.Rooms().Rooms()
	perRoom := make([]roomStats, 0, len(rooms))
	for _, room := range rooms {
		globals, scopes := room.Vars.Counts()
		perRoom = append(perRoom, roomStats{
			ID:           room.ID(),
			Clients:      room.ClientCount(),
			GlobalVars:   globals,
			ClientScopes: scopes,
		})
	}

	stats := map[string]any{
		"rooms":      s.relay.Rooms().RoomCount(),
		"clients":    s.relay.Rooms().ClientCount(),
		"room_list":  perRoom,
		"goroutines": runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercentWithContext(r.Context()); err == nil {
			stats["cpu_percent"] = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			stats["memory_rss_bytes"] = mem.RSS
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
