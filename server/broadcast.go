package server

// Broadcast loops feeding the WebSocket clients: every stage event the
// orchestrator records, plus a periodic daemon status snapshot sent only
// when something in it changed.

import (
	"reflect"
	"time"
)

// startStageEventBroadcaster subscribes to the orchestrator's emitter and
// relays every stage event to connected clients
func (s *AgentServer) startStageEventBroadcaster() {
	events := s.orch.Emitter().Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe first, then close: closing while still
			// subscribed could panic the emitter's send
			s.orch.Emitter().Unsubscribe(events)
			close(events)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Stage event broadcaster stopping")
				return
			case ev := <-events:
				if ev == nil {
					continue
				}
				s.broadcastMessage(stageEventMessage{Type: "stage_event", Event: ev})
			}
		}
	}()

	s.logger.Infow("Stage event broadcaster started")
}

// startStatusBroadcaster periodically pushes the status snapshot, skipping
// broadcasts when nothing changed since the last one
func (s *AgentServer) startStatusBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Status broadcaster stopping")
				return
			case <-ticker.C:
				if !s.hasClients() {
					continue
				}
				s.broadcastStatusIfChanged()
			}
		}
	}()
}

func (s *AgentServer) broadcastStatusIfChanged() {
	snap, err := s.statusSnapshot()
	if err != nil {
		s.logger.Debugw("Failed to build status snapshot", "error", err)
		return
	}

	s.mu.Lock()
	if s.lastStatus != nil && statusEqual(s.lastStatus, snap) {
		s.mu.Unlock()
		return
	}
	s.lastStatus = snap
	s.mu.Unlock()

	s.broadcastMessage(statusMessage{Type: "status", Status: snap})
}

// statusEqual compares snapshots ignoring fields that change every tick
// regardless of activity
func statusEqual(a, b *StatusSnapshot) bool {
	return reflect.DeepEqual(a.Stages, b.Stages) &&
		a.Quota.DailyLimit == b.Quota.DailyLimit &&
		a.Quota.UsedToday == b.Quota.UsedToday &&
		a.Pace.FailureStreak == b.Pace.FailureStreak &&
		reflect.DeepEqual(a.Pace.Kinds, b.Pace.Kinds)
}
