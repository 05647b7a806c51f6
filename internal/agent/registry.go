package agent

import (
	"fmt"
	"sync"
)

// Process receives stimuli. Deliver reports false when the receiver is
// already gone.
type Process interface {
	Deliver(Stimulus) bool
}

// Handle is one registry entry: the agent's identity plus its mailbox.
type Handle struct {
	ID       string
	TaskID   string
	ParentID string
	proc     Process
}

// NewHandle builds a registry entry for a process. Agents build their own
// on Start; this exists for components standing in for one.
func NewHandle(id, taskID, parentID string, p Process) *Handle {
	return &Handle{ID: id, TaskID: taskID, ParentID: parentID, proc: p}
}

// Deliver forwards a stimulus to the agent behind the handle.
func (h *Handle) Deliver(s Stimulus) bool {
	return h.proc.Deliver(s)
}

// Registry maps live agent ids to handles. Each key is written only by the
// agent it names, on registration and removal; everything else reads.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Handle)}
}

// Register inserts a handle. Duplicate ids are an error.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[h.ID]; exists {
		return fmt.Errorf("agent %s already registered", h.ID)
	}
	r.agents[h.ID] = h
	return nil
}

// Unregister removes an id. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[id]
	return h, ok
}

// ListByTask returns every live handle belonging to a task.
func (r *Registry) ListByTask(taskID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.agents {
		if h.TaskID == taskID {
			out = append(out, h)
		}
	}
	return out
}

// Children returns the live direct children of an agent.
func (r *Registry) Children(parentID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.agents {
		if h.ParentID == parentID {
			out = append(out, h)
		}
	}
	return out
}

// Descendants returns the subtree below an agent, depth first, the agent
// itself excluded. The walk runs over a snapshot; agents terminating
// concurrently may still appear.
func (r *Registry) Descendants(rootID string) []*Handle {
	r.mu.RLock()
	children := make(map[string][]*Handle)
	for _, h := range r.agents {
		if h.ParentID != "" {
			children[h.ParentID] = append(children[h.ParentID], h)
		}
	}
	r.mu.RUnlock()

	var out []*Handle
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[id] {
			out = append(out, child)
			stack = append(stack, child.ID)
		}
	}
	return out
}

// Len reports the number of live agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
