// Package httpapi wires the Gin HTTP surface onto the domain managers:
// sandboxes, warm pool, snapshots, background agents, and multiplayer
// sessions. It translates wire DTOs to domain calls and domain errors to
// the common/errors taxonomy; it holds no state of its own.
package httpapi

import (
	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/warmpool"
)

// Dependencies bundles every manager the HTTP surface calls into. All
// fields are required.
type Dependencies struct {
	Provider    sandbox.Provider
	Pool        *warmpool.Pool
	Snapshots   *snapshot.Manager
	Scheduler   *agentscheduler.Scheduler
	Multiplayer *multiplayer.Manager
	Store       store.Store
	Log         *logger.Logger
}

// Handler groups the HTTP handlers for one Dependencies set.
type Handler struct {
	deps *Dependencies
	log  *logger.Logger
}

// NewHandler creates a Handler backed by deps.
func NewHandler(deps *Dependencies) *Handler {
	return &Handler{deps: deps, log: deps.Log}
}

// agent exposes the spawner a scheduler wraps, used by handlers that read
// agent state without going through scheduler admission control.
func (h *Handler) agent(id string) *agentspawner.Agent {
	return h.deps.Scheduler.Spawner().Get(id)
}
