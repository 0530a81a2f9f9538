package fsm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 10 * time.Minute

	// recentTerminalLimit caps how many finished sessions diagnostics keep.
	recentTerminalLimit = 20
)

type ActiveSession struct {
	SessionID uuid.UUID `json:"sessionId"`
	State     State     `json:"state"`
	UptimeMs  int64     `json:"uptimeMs"`
}

type Snapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	ActiveCount    int             `json:"activeSessions"`
	TerminalCount  int             `json:"terminalSessions"`
	Total          int             `json:"total"`
	Active         []ActiveSession `json:"active"`
	RecentTerminal []Summary       `json:"recentTerminal"`
}

// Registry is the process-wide index of live session machines. Terminal
// machines linger for diagnostics until the sweeper retires them.
type Registry struct {
	log       *logger.Logger
	retention time.Duration

	mu       sync.RWMutex
	machines map[uuid.UUID]*SessionFSM
}

func NewRegistry(log *logger.Logger, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		log:       log.With("component", "SessionRegistry"),
		retention: retention,
		machines:  map[uuid.UUID]*SessionFSM{},
	}
}

func (r *Registry) Create(sessionID, conversationID, userMessageID uuid.UUID, timeout time.Duration) (*SessionFSM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.machines[sessionID]; exists {
		return nil, fmt.Errorf("session %s already registered", sessionID)
	}
	m := New(r.log, sessionID, conversationID, userMessageID, timeout)
	r.machines[sessionID] = m
	return m, nil
}

func (r *Registry) Get(sessionID uuid.UUID) *SessionFSM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[sessionID]
}

func (r *Registry) Remove(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, sessionID)
}

func (r *Registry) Active() []*SessionFSM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SessionFSM
	for _, m := range r.machines {
		if !m.State().Terminal() {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Terminal() []*SessionFSM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SessionFSM
	for _, m := range r.machines {
		if m.State().Terminal() {
			out = append(out, m)
		}
	}
	return out
}

// Diagnostics builds a copy-only snapshot; nothing in the result aliases
// registry state.
func (r *Registry) Diagnostics() Snapshot {
	r.mu.RLock()
	machines := make([]*SessionFSM, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	now := time.Now().UTC()
	snap := Snapshot{
		Timestamp:      now,
		Active:         []ActiveSession{},
		RecentTerminal: []Summary{},
	}
	var terminal []Summary
	for _, m := range machines {
		if m.State().Terminal() {
			terminal = append(terminal, m.Summary())
			continue
		}
		snap.Active = append(snap.Active, ActiveSession{
			SessionID: m.SessionID,
			State:     m.State(),
			UptimeMs:  now.Sub(m.CreatedAt()).Milliseconds(),
		})
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].LastTransitionAt.After(terminal[j].LastTransitionAt)
	})
	if len(terminal) > recentTerminalLimit {
		terminal = terminal[:recentTerminalLimit]
	}
	sort.Slice(snap.Active, func(i, j int) bool {
		return snap.Active[i].UptimeMs > snap.Active[j].UptimeMs
	})

	snap.RecentTerminal = terminal
	snap.ActiveCount = len(snap.Active)
	snap.TerminalCount = len(machines) - len(snap.Active)
	snap.Total = len(machines)
	return snap
}

// Sweep removes terminal machines whose last transition is older than the
// retention window. Returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, m := range r.machines {
		if m.State().Terminal() && m.LastTransitionAt().Before(cutoff) {
			delete(r.machines, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs the periodic sweep until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := r.Sweep(now.UTC()); removed > 0 {
				r.log.Debug("swept terminal sessions", "removed", removed)
			}
		}
	}
}
