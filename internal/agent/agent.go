package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockCode       BlockType = "code"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockBash       BlockType = "bash"
	BlockSystem     BlockType = "system"
)

// Block is one tagged chunk of streamed agent output. The core only reads
// the tag; the payload is forwarded opaquely.
type Block struct {
	Type    BlockType      `json:"type"`
	Text    string         `json:"text,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Result struct {
	FinalText string         `json:"final_text"`
	Usage     map[string]any `json:"usage,omitempty"`
}

type ChunkFunc func(Block)

// Agent runs one prompt to completion, invoking onChunk zero or more times
// before returning. Cancellation travels through ctx.
type Agent interface {
	Run(ctx context.Context, prompt, folderContext string, onChunk ChunkFunc) (*Result, error)
}

// DefaultAcquireTimeout bounds how long a dispatch waits for an agent to
// become available.
const DefaultAcquireTimeout = 60 * time.Second

// Registry maps agent IDs to their runners.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}}
}

func (r *Registry) Register(agentID string, a Agent) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a == nil {
		return fmt.Errorf("agent %q is nil", agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = a
	return nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Acquire resolves the runner for agentID, honouring ctx's deadline. An
// unknown agent is an agent-kind failure so the session lands in error, not
// a 4xx on the already-returned request path.
func (r *Registry) Acquire(ctx context.Context, agentID string) (Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apierr.Timeout("agent_acquire_timeout", fmt.Errorf("acquire %q: %w", agentID, err))
	}
	r.mu.RLock()
	a, ok := r.agents[strings.TrimSpace(agentID)]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.Agent("agent_unavailable", fmt.Errorf("no agent registered for id %q", agentID))
	}
	return a, nil
}
