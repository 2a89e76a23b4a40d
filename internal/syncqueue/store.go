package syncqueue

import (
	"sync"

	"dishpatch/pkg/models"
)

// Store persists queue contents so pending writes survive an agent
// restart. Load returns pending mutations in FIFO order.
type Store interface {
	Load() (pending, dead []*models.QueuedMutation, err error)
	Append(m *models.QueuedMutation) error
	Update(m *models.QueuedMutation) error
	Remove(id string) error
	MoveToDead(m *models.QueuedMutation) error
	RemoveDead(id string) error
	Clear() error
}

// MemoryStore keeps queue contents in process memory only. It is the
// default when queue persistence is disabled.
type MemoryStore struct {
	mu      sync.Mutex
	order   []string
	pending map[string]*models.QueuedMutation
	dead    map[string]*models.QueuedMutation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*models.QueuedMutation),
		dead:    make(map[string]*models.QueuedMutation),
	}
}

func (s *MemoryStore) Load() ([]*models.QueuedMutation, []*models.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*models.QueuedMutation, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.pending[id]; ok {
			copied := *m
			pending = append(pending, &copied)
		}
	}
	dead := make([]*models.QueuedMutation, 0, len(s.dead))
	for _, m := range s.dead {
		copied := *m
		dead = append(dead, &copied)
	}
	return pending, dead, nil
}

func (s *MemoryStore) Append(m *models.QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *m
	s.order = append(s.order, m.ID)
	s.pending[m.ID] = &copied
	return nil
}

func (s *MemoryStore) Update(m *models.QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[m.ID]; ok {
		copied := *m
		s.pending[m.ID] = &copied
	}
	return nil
}

func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
	return nil
}

func (s *MemoryStore) MoveToDead(m *models.QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(m.ID)
	copied := *m
	s.dead[m.ID] = &copied
	return nil
}

func (s *MemoryStore) RemoveDead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dead, id)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = nil
	s.pending = make(map[string]*models.QueuedMutation)
	return nil
}

func (s *MemoryStore) removeLocked(id string) {
	delete(s.pending, id)
	for i, queued := range s.order {
		if queued == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
