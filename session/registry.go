package session

import "sync"

// Registry tracks open sessions so that they can be closed together on
// shutdown. It is the only state shared between connections.
type Registry struct {
	m    sync.RWMutex
	pool map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{pool: make(map[string]*Session)}
}

// Add registers s, replacing any session with the same id.
func (r *Registry) Add(s *Session) {
	r.m.Lock()
	defer r.m.Unlock()
	r.pool[s.ID] = s
}

// Remove deregisters s. A different session registered under the same id is
// left alone.
func (r *Registry) Remove(s *Session) {
	r.m.Lock()
	defer r.m.Unlock()
	if cur, ok := r.pool[s.ID]; ok && cur == s {
		delete(r.pool, s.ID)
	}
}

func (r *Registry) Len() int {
	r.m.RLock()
	defer r.m.RUnlock()
	return len(r.pool)
}

// CountByMode returns the number of open sessions per mode.
func (r *Registry) CountByMode() map[Mode]int {
	r.m.RLock()
	defer r.m.RUnlock()
	counts := make(map[Mode]int)
	for _, s := range r.pool {
		counts[s.Mode]++
	}
	return counts
}

// CloseAll sends a close frame to every registered session and returns how
// many were closed. Sessions stay registered until their handlers return.
func (r *Registry) CloseAll(code int, reason string) int {
	sessions := r.snapshot()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(code, reason)
		}(s)
	}
	wg.Wait()
	return len(sessions)
}

// DropAll closes the transport of every registered session without a close
// frame. It is the last resort for sessions which did not finish draining.
func (r *Registry) DropAll() int {
	sessions := r.snapshot()
	for _, s := range sessions {
		s.Drop()
	}
	return len(sessions)
}

func (r *Registry) snapshot() []*Session {
	r.m.RLock()
	defer r.m.RUnlock()
	sessions := make([]*Session, 0, len(r.pool))
	for _, s := range r.pool {
		sessions = append(sessions, s)
	}
	return sessions
}
