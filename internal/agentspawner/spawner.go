// Package agentspawner implements the pure Agent state machine: creation
// and transition enforcement, with no admission control or scheduling.
package agentspawner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"go.uber.org/zap"
)

// Status is an Agent's position in its lifecycle.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// validTransitions enumerates the allowed Status edges. Terminal
// states map to an empty set and are absorbing.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued:       {StatusInitializing: true, StatusCancelled: true},
	StatusInitializing: {StatusRunning: true, StatusFailed: true, StatusCancelled: true},
	StatusRunning:      {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// IsTerminal reports whether a Status has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Agent is a background task spawned from a parent session.
type Agent struct {
	ID              string
	ParentSessionID string
	WorkSessionID   string
	SandboxID       string
	Status          Status
	Task            string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Error           string
	Output          string
}

// SpawnInput describes a new Agent to spawn.
type SpawnInput struct {
	ParentSessionID string
	WorkSessionID   string
	Task            string
}

// TransitionInput carries the optional payload accompanying a transition.
type TransitionInput struct {
	SandboxID string
	Error     string
	Output    string
}

// Spawner is a pure state machine over a set of in-memory Agents. It
// enforces valid status transitions only; admission control is the Scheduler's concern.
type Spawner struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	log    *logger.Logger
	bus    bus.EventBus
}

// New creates an empty Spawner.
func New(eventBus bus.EventBus, log *logger.Logger) *Spawner {
	return &Spawner{
		agents: make(map[string]*Agent),
		log:    log.WithFields(zap.String("component", "agentspawner")),
		bus:    eventBus,
	}
}

// Spawn creates a new Agent in StatusQueued.
func (s *Spawner) Spawn(input SpawnInput) *Agent {
	agent := &Agent{
		ID:              uuid.New().String(),
		ParentSessionID: input.ParentSessionID,
		WorkSessionID:   input.WorkSessionID,
		Status:          StatusQueued,
		Task:            input.Task,
		CreatedAt:       time.Now(),
	}

	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.mu.Unlock()

	s.emit(events.AgentQueued, agent)
	return agent
}

// Get returns the agent by id, or nil.
func (s *Spawner) Get(id string) *Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil
	}
	clone := *a
	return &clone
}

// NonTerminalForParent counts non-terminal agents owned by a parent session,
// used by the Scheduler to enforce maxPerSession.
func (s *Spawner) NonTerminalForParent(parentSessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.agents {
		if a.ParentSessionID == parentSessionID && !IsTerminal(a.Status) {
			count++
		}
	}
	return count
}

// Queued returns queued agents in creation order (FIFO), for the Scheduler's
// dispatcher.
func (s *Spawner) Queued() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.Status == StatusQueued {
			clone := *a
			out = append(out, &clone)
		}
	}
	sortByCreatedAt(out)
	return out
}

// CountActive returns the number of agents in running or initializing state.
func (s *Spawner) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if a.Status == StatusRunning || a.Status == StatusInitializing {
			n++
		}
	}
	return n
}

// CountQueued returns the number of agents still in StatusQueued.
func (s *Spawner) CountQueued() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if a.Status == StatusQueued {
			n++
		}
	}
	return n
}

// Transition attempts to move agent id to target, applying the payload.
// Returns false if the transition is not in validTransitions.
func (s *Spawner) Transition(id string, target Status, input TransitionInput) bool {
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !validTransitions[agent.Status][target] {
		s.mu.Unlock()
		return false
	}

	agent.Status = target
	now := time.Now()
	switch target {
	case StatusRunning:
		if input.SandboxID != "" {
			agent.SandboxID = input.SandboxID
		}
		agent.StartedAt = &now
	case StatusCompleted:
		agent.Output = input.Output
		agent.CompletedAt = &now
	case StatusFailed:
		agent.Error = input.Error
		agent.CompletedAt = &now
	case StatusCancelled:
		agent.CompletedAt = &now
	case StatusInitializing:
		// no payload; StartedAt is set when running begins
	}
	clone := *agent
	s.mu.Unlock()

	s.emit(eventForStatus(target), &clone)
	return true
}

// StartInitializing transitions queued -> initializing.
func (s *Spawner) StartInitializing(id string) bool {
	return s.Transition(id, StatusInitializing, TransitionInput{})
}

// StartRunning transitions initializing -> running, recording the sandbox.
func (s *Spawner) StartRunning(id, sandboxID string) bool {
	return s.Transition(id, StatusRunning, TransitionInput{SandboxID: sandboxID})
}

// Complete transitions running -> completed with output.
func (s *Spawner) Complete(id, output string) bool {
	return s.Transition(id, StatusCompleted, TransitionInput{Output: output})
}

// Fail transitions the agent to failed from any state that permits it.
func (s *Spawner) Fail(id, errMsg string) bool {
	return s.Transition(id, StatusFailed, TransitionInput{Error: errMsg})
}

// Cancel transitions the agent to cancelled from any non-terminal state.
func (s *Spawner) Cancel(id string) bool {
	return s.Transition(id, StatusCancelled, TransitionInput{})
}

// ClearTerminated removes terminal agents from memory, reclaiming the map.
func (s *Spawner) ClearTerminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for id, a := range s.agents {
		if IsTerminal(a.Status) {
			delete(s.agents, id)
			cleared++
		}
	}
	return cleared
}

func eventForStatus(status Status) string {
	switch status {
	case StatusInitializing:
		return events.AgentInitializing
	case StatusRunning:
		return events.AgentRunning
	case StatusCompleted:
		return events.AgentCompleted
	case StatusFailed:
		return events.AgentFailed
	case StatusCancelled:
		return events.AgentCancelled
	default:
		return events.AgentQueued
	}
}

func (s *Spawner) emit(eventType string, agent *Agent) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "agentspawner", map[string]interface{}{
		"agentId":         agent.ID,
		"parentSessionId": agent.ParentSessionID,
		"status":          string(agent.Status),
	})
	if err := s.bus.Publish(context.Background(), events.BuildSessionSubject(eventType, agent.ParentSessionID), evt); err != nil {
		s.log.Warn("failed to publish agent event", zap.Error(err), zap.String("event_type", eventType))
	}
}

func sortByCreatedAt(agents []*Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].CreatedAt.Before(agents[j-1].CreatedAt); j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}
