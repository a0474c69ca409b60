package session

import (
	"fmt"
	"sync"
	"time"
)

// Info is the listing row for one session.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	WorktreePath string    `json:"worktreePath"`
	AgentID      string    `json:"agentId"`
	Strategy     string    `json:"strategy"`
	State        string    `json:"state"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Registry tracks live sessions in creation order. The first session
// added becomes active; SetActive moves the focus marker.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	activeID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session and focuses it if nothing else is.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return
	}
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	if r.activeID == "" {
		r.activeID = s.ID
	}
}

// Remove drops a session by id. The focus moves to the oldest remaining
// session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.activeID == id {
		r.activeID = ""
		if len(r.order) > 0 {
			r.activeID = r.order[0]
		}
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// SetActive moves the focus marker to id.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.activeID = id
	return nil
}

// ActiveID returns the focused session id, or empty.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// List returns session rows in creation order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		out = append(out, Info{
			ID:           s.ID,
			Name:         s.Name,
			WorktreePath: s.WorktreePath,
			AgentID:      s.AgentID,
			Strategy:     s.Strategy,
			State:        string(s.State()),
			IsActive:     id == r.activeID,
			CreatedAt:    s.CreatedAt,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll tears down every session and blocks until all children are
// reaped. Used on daemon shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
