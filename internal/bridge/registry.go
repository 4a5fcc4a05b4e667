package bridge

import (
	"sync"

	"github.com/speaklab/speaklab/internal/utils"
)

// Registry tracks the one ActiveConnection allowed per session id. It is the
// only state shared across sessions; everything else is task-local.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ActiveConnection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ActiveConnection)}
}

// Add reserves the session's slot. A second connection for a live session is
// rejected, never queued.
func (r *Registry) Add(ac *ActiveConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[ac.SessionID]; exists {
		return utils.E(utils.CodeConflict, "Registry.Add", "session already active", nil)
	}
	r.conns[ac.SessionID] = ac
	return nil
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, sessionID)
}

func (r *Registry) Get(sessionID string) (*ActiveConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.conns[sessionID]
	return ac, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) snapshot() []*ActiveConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActiveConnection, 0, len(r.conns))
	for _, ac := range r.conns {
		out = append(out, ac)
	}
	return out
}
