package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
)

// routes builds the server's mux. Exposed separately so tests can exercise
// handlers without binding a port.
func (s *AgentServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/status", s.corsMiddleware(s.HandleStatus))
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))
	mux.HandleFunc("/api/jobs/{id}", s.corsMiddleware(s.HandleJob))
	mux.HandleFunc("/api/jobs/{id}/events", s.corsMiddleware(s.HandleJobEvents))
	mux.HandleFunc("/api/signals", s.corsMiddleware(s.HandleSignals))
	return mux
}

// Start binds the HTTP listener and launches the hub and broadcast loops.
// It returns once the listener is up; the server runs until Stop.
func (s *AgentServer) Start(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	s.startStageEventBroadcaster()
	s.startStatusBroadcaster()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", actualPort)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("HTTP server stopped unexpectedly", "error", err)
		}
	}()

	s.logger.Infow("Status server ready",
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
		"port", actualPort)
	return nil
}

// Stop drains connections and shuts the hub down
func (s *AgentServer) Stop() error {
	s.logger.Infow("Stopping status server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	// Close client connections so the pumps exit before the context is cut
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()
	for _, client := range clients {
		client.close()
		client.conn.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("Status server stopped")
	case <-time.After(15 * time.Second):
		s.logger.Warnw("Status server shutdown timed out")
	}
	return nil
}

func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port, then the configured
// defaults, then a small high range
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}

	for _, port := range []int{config.DefaultServerPort, config.FallbackServerPort} {
		if port != requestedPort && isPortAvailable(port) {
			return port, nil
		}
	}

	fallbackStart := 7880
	for i := 0; i < 10; i++ {
		if port := fallbackStart + i; isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d, %d, %d, and range %d-%d)",
		requestedPort, config.DefaultServerPort, config.FallbackServerPort, fallbackStart, fallbackStart+9)
}
