// Package turns owns turn state: a striped-lock in-process store with
// per-turn mutual exclusion, session history, and the bridge to long-term
// memory.
package turns

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/agentshell/agentshell/internal/memory"
	"github.com/agentshell/agentshell/pkg/models"
)

var (
	// ErrDuplicateTurn is returned when a turn id is created twice.
	ErrDuplicateTurn = errors.New("turn already exists")

	// ErrTurnNotFound is returned for unknown turn ids.
	ErrTurnNotFound = errors.New("turn not found")
)

// lockStripes bounds lock memory; collisions only cost contention.
const lockStripes = 64

// ContextManager stores turns in process memory. All mutation of one turn
// serializes through its stripe lock, so a step result and a watchdog
// timeout cannot interleave their read-modify-write cycles.
type ContextManager struct {
	stripes [lockStripes]sync.Mutex

	mu    sync.RWMutex
	turns map[string]*models.Turn

	sessionMu  sync.Mutex
	sessions   map[string][]sessionEntry
	historyCap int
	memoryMgr  *memory.Manager
}

type sessionEntry struct {
	userInput models.Message
	response  *models.Message
	at        time.Time
}

// NewContextManager creates an empty store. historyCap bounds the per
// session ring; memoryMgr may be nil when memory is disabled.
func NewContextManager(historyCap int, memoryMgr *memory.Manager) *ContextManager {
	if historyCap <= 0 {
		historyCap = 20
	}
	return &ContextManager{
		turns:      make(map[string]*models.Turn),
		sessions:   make(map[string][]sessionEntry),
		historyCap: historyCap,
		memoryMgr:  memoryMgr,
	}
}

func (c *ContextManager) stripe(turnID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(turnID))
	return &c.stripes[h.Sum32()%lockStripes]
}

// CreateTurn stores a new turn. A duplicate id is rejected; retried
// submissions must not respawn finished work.
func (c *ContextManager) CreateTurn(turn *models.Turn) error {
	if turn == nil || turn.TurnID == "" {
		return errors.New("turn id is required")
	}
	mu := c.stripe(turn.TurnID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.turns[turn.TurnID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, turn.TurnID)
	}
	c.turns[turn.TurnID] = turn.Clone()
	return nil
}

// GetTurn returns a snapshot of the turn, or nil if unknown.
func (c *ContextManager) GetTurn(turnID string) *models.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turns[turnID].Clone()
}

// SaveTurn overwrites the stored turn under its stripe lock.
func (c *ContextManager) SaveTurn(turn *models.Turn) error {
	if turn == nil || turn.TurnID == "" {
		return errors.New("turn id is required")
	}
	mu := c.stripe(turn.TurnID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.turns[turn.TurnID]; !exists {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turn.TurnID)
	}
	turn.UpdatedAt = time.Now().UTC()
	c.turns[turn.TurnID] = turn.Clone()
	return nil
}

// UpdateTurn applies mutator to the stored turn under its stripe lock and
// returns a snapshot of the result. The mutator sees the live copy; an
// error from it leaves the stored turn unchanged.
func (c *ContextManager) UpdateTurn(turnID string, mutator func(*models.Turn) error) (*models.Turn, error) {
	mu := c.stripe(turnID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.RLock()
	stored := c.turns[turnID]
	c.mu.RUnlock()
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}

	working := stored.Clone()
	if err := mutator(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	c.turns[turnID] = working
	c.mu.Unlock()
	return working.Clone(), nil
}

// MemoryManager returns the long-term memory bridge, or nil when memory is
// disabled.
func (c *ContextManager) MemoryManager() *memory.Manager {
	return c.memoryMgr
}

// RecordSession appends a completed exchange to the session history ring.
func (c *ContextManager) RecordSession(sessionID string, userInput models.Message, response *models.Message) {
	if sessionID == "" {
		return
	}
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	ring := append(c.sessions[sessionID], sessionEntry{
		userInput: userInput,
		response:  response,
		at:        time.Now().UTC(),
	})
	if len(ring) > c.historyCap {
		ring = ring[len(ring)-c.historyCap:]
	}
	c.sessions[sessionID] = ring
}

// History returns the session's recent exchanges as alternating user and
// assistant messages, oldest first.
func (c *ContextManager) History(sessionID string) []models.Message {
	if sessionID == "" {
		return nil
	}
	c.sessionMu.Lock()
	ring := c.sessions[sessionID]
	entries := make([]sessionEntry, len(ring))
	copy(entries, ring)
	c.sessionMu.Unlock()

	out := make([]models.Message, 0, len(entries)*2)
	for _, e := range entries {
		out = append(out, e.userInput)
		if e.response != nil {
			out = append(out, *e.response)
		}
	}
	return out
}
