// Package server is the agent's operator surface: a compact HTTP API over
// the job store plus a WebSocket feed of stage events and daemon status.
// It observes the orchestrator, it never drives it — the only mutation it
// offers is manual signal injection for operators.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/orchestrator"
	"github.com/teranos/RONIN/pace"
)

const (
	// MaxClients bounds simultaneous WebSocket connections. The status
	// surface is for an operator or two, not a fleet.
	MaxClients = 16

	// statusInterval is how often daemon status is considered for
	// broadcast. Unchanged snapshots are not re-sent.
	statusInterval = 5 * time.Second
)

// AgentServer serves the REST endpoints and fans stage events out to
// connected WebSocket clients.
type AgentServer struct {
	store  *memory.Store
	orch   *orchestrator.Orchestrator
	runner *orchestrator.Runner // nil when running detached from the daemon
	pacer  *pace.Controller
	cfg    *config.Config

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	mu         sync.RWMutex
	lastStatus *StatusSnapshot // change detection for the periodic broadcast
	startedAt  time.Time

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// New creates a status server over the orchestrator's store. runner may be
// nil for a read-only surface with no daemon attached.
func New(orch *orchestrator.Orchestrator, runner *orchestrator.Runner, cfg *config.Config, log *zap.SugaredLogger) *AgentServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &AgentServer{
		store:      orch.Store(),
		orch:       orch,
		runner:     runner,
		pacer:      orch.Pacer(),
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log,
	}
}

// Run is the hub loop: it owns the client set so registration, removal and
// shutdown never race.
func (s *AgentServer) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

func (s *AgentServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total)

	// A fresh client gets the current status immediately rather than
	// waiting for the next changed broadcast
	if snap, err := s.statusSnapshot(); err == nil {
		client.sendJSON(statusMessage{Type: "status", Status: snap})
	}
}

func (s *AgentServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()

	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total)
}

// broadcastMessage sends msg to every connected client. Clients whose send
// channel is full are skipped; the WebSocket feed is best effort.
func (s *AgentServer) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.sendJSON(msg) {
			sent++
		}
	}
	return sent
}

// hasClients avoids building broadcast payloads nobody would receive
func (s *AgentServer) hasClients() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients) > 0
}

// stageEventMessage wraps a stage event for the WebSocket feed
type stageEventMessage struct {
	Type  string          `json:"type"`
	Event *job.StageEvent `json:"event"`
}

// statusMessage wraps a status snapshot for the WebSocket feed
type statusMessage struct {
	Type   string          `json:"type"`
	Status *StatusSnapshot `json:"status"`
}
