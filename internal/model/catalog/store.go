package catalog

import (
	"strings"
	"sync"
)

// Store exposes the model catalog to handlers and services.
type Store interface {
	Categories() []Category
	List() []Model
	FindByID(id string) (Model, bool)
	// Resolve accepts either an id or a display name.
	Resolve(idOrName string) (Model, bool)
}

// MemoryStore implements Store over an in-memory table that can be swapped on reload.
type MemoryStore struct {
	mu         sync.RWMutex
	categories []Category
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied categories.
func NewMemoryStore(categories []Category) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(categories)
	return s
}

// Replace swaps the whole table.
func (s *MemoryStore) Replace(categories []Category) {
	copied := make([]Category, len(categories))
	for i, c := range categories {
		copied[i] = Category{Key: c.Key, Label: c.Label, Models: append([]Model(nil), c.Models...)}
	}

	s.mu.Lock()
	s.categories = copied
	s.mu.Unlock()
}

// Categories returns the grouped table.
func (s *MemoryStore) Categories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Category, len(s.categories))
	for i, c := range s.categories {
		out[i] = Category{Key: c.Key, Label: c.Label, Models: append([]Model(nil), c.Models...)}
	}
	return out
}

// List returns every model in catalog order.
func (s *MemoryStore) List() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Model
	for _, c := range s.categories {
		out = append(out, c.Models...)
	}
	return out
}

// FindByID looks up a model by identifier.
func (s *MemoryStore) FindByID(id string) (Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.categories {
		for _, m := range c.Models {
			if m.ID == id {
				return m, true
			}
		}
	}
	return Model{}, false
}

// Resolve looks up a model by id first, then by case-insensitive display name.
func (s *MemoryStore) Resolve(idOrName string) (Model, bool) {
	key := strings.TrimSpace(idOrName)
	if key == "" {
		return Model{}, false
	}
	if m, ok := s.FindByID(key); ok {
		return m, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.categories {
		for _, m := range c.Models {
			if strings.EqualFold(m.Name, key) {
				return m, true
			}
		}
	}
	return Model{}, false
}
