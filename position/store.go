package position

import (
	"errors"
	"sync"

	"github.com/web3guy0/spotbot/types"
)

// ErrDuplicateID is returned when a position id is inserted twice
var ErrDuplicateID = errors.New("position already exists")

// Store owns the open positions, one record per id, in insertion order.
// Readers always get copies.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	order     []string

	// Slot of the last removed id, so Put can bring it back in place
	lastRemovedID  string
	lastRemovedIdx int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		positions: make(map[string]*types.Position),
	}
}

// Insert adds a new position
func (s *Store) Insert(p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return ErrDuplicateID
	}
	cp := p.Clone()
	s.positions[p.ID] = &cp
	s.order = append(s.order, p.ID)
	return nil
}

// Put stores p, replacing any record with the same id. The most recently
// removed id returns to its old slot; other new ids go last.
func (s *Store) Put(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		if p.ID == s.lastRemovedID && s.lastRemovedIdx <= len(s.order) {
			s.order = append(s.order, "")
			copy(s.order[s.lastRemovedIdx+1:], s.order[s.lastRemovedIdx:])
			s.order[s.lastRemovedIdx] = p.ID
		} else {
			s.order = append(s.order, p.ID)
		}
		s.lastRemovedID = ""
	}
	cp := p.Clone()
	s.positions[p.ID] = &cp
}

// Get returns a copy of the position
func (s *Store) Get(id string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// Mutate runs fn on the stored record under the write lock.
// Returns false when the id is unknown.
func (s *Store) Mutate(id string, fn func(p *types.Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Remove deletes the position and returns its last state
func (s *Store) Remove(id string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return types.Position{}, false
	}
	delete(s.positions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.lastRemovedID, s.lastRemovedIdx = id, i
			break
		}
	}
	return *p, true
}

// IDs returns the open ids in insertion order
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Len returns the number of open positions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Snapshot returns copies of every open position in insertion order
func (s *Store) Snapshot() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.positions[id].Clone())
	}
	return out
}
