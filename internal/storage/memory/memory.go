// Package memory provides an in-memory implementation of the storage
// interfaces. It is used when no database is configured and by tests. A
// single store-wide mutex is the serialization point, so the per-parent
// locking contract holds trivially.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specboard/specboard/internal/domain/item"
	"github.com/specboard/specboard/internal/domain/project"
	"github.com/specboard/specboard/internal/domain/specification"
	"github.com/specboard/specboard/internal/domain/user"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/storage"
)

// Store keeps all entities in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	users    map[string]user.User
	projects map[string]project.Project
	specs    map[string]specification.Specification
	items    map[string]item.Item
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)
var _ storage.SpecificationStore = (*Store)(nil)
var _ storage.ItemStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]user.User),
		projects: make(map[string]project.Project),
		specs:    make(map[string]specification.Specification),
		items:    make(map[string]item.Item),
	}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByGoogleID(_ context.Context, googleID string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.GoogleID == googleID {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	u.GoogleID = existing.GoogleID
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u, nil
}

// --- ProjectStore -----------------------------------------------------------

func (s *Store) CreateProject(_ context.Context, p project.Project) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) GetProject(_ context.Context, id string) (project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return project.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context, ownerID string) ([]project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]project.Project, 0)
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (s *Store) UpdateProject(_ context.Context, p project.Project) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.projects[p.ID]
	if !ok {
		return project.Project{}, storage.ErrNotFound
	}
	p.OwnerID = existing.OwnerID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.projects, id)
	for specID, spec := range s.specs {
		if spec.ProjectID != id {
			continue
		}
		delete(s.specs, specID)
		for itemID, it := range s.items {
			if it.SpecID == specID {
				delete(s.items, itemID)
			}
		}
	}
	return nil
}

// --- SpecificationStore -----------------------------------------------------

func (s *Store) CreateSpecification(_ context.Context, spec specification.Specification, position *int) (specification.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[spec.ProjectID]; !ok {
		return specification.Specification{}, storage.ErrNotFound
	}

	siblings := s.specsOfLocked(spec.ProjectID)
	indices := make([]int, len(siblings))
	for i, sib := range siblings {
		indices[i] = sib.OrderIndex
	}

	if err := ordering.CheckCapacity(len(indices), specification.MaxPerProject, "specifications"); err != nil {
		return specification.Specification{}, err
	}
	idx, err := ordering.AllocateIndex(indices, position)
	if err != nil {
		return specification.Specification{}, err
	}
	if shift, ok := ordering.InsertShift(idx, len(indices)); ok {
		for _, sib := range siblings {
			if inShift(sib.OrderIndex, shift) {
				sib.OrderIndex += shift.Delta
				s.specs[sib.ID] = sib
			}
		}
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	spec.OrderIndex = idx
	spec.CreatedAt = time.Now().UTC()
	s.specs[spec.ID] = spec
	return spec, nil
}

func (s *Store) GetSpecification(_ context.Context, id string) (specification.Specification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[id]
	if !ok {
		return specification.Specification{}, storage.ErrNotFound
	}
	return spec, nil
}

func (s *Store) ListSpecifications(_ context.Context, projectID string) ([]specification.Specification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, storage.ErrNotFound
	}
	return s.specsOfLocked(projectID), nil
}

func (s *Store) UpdateSpecificationContent(_ context.Context, id, content string) (specification.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.specs[id]
	if !ok {
		return specification.Specification{}, storage.ErrNotFound
	}
	spec.Content = content
	s.specs[id] = spec
	return spec, nil
}

func (s *Store) DeleteSpecification(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.specs[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	delete(s.specs, id)
	for itemID, it := range s.items {
		if it.SpecID == id {
			delete(s.items, itemID)
		}
	}

	shift := ordering.DeleteShift(spec.OrderIndex)
	for _, sib := range s.specsOfLocked(spec.ProjectID) {
		if inShift(sib.OrderIndex, shift) {
			sib.OrderIndex += shift.Delta
			s.specs[sib.ID] = sib
		}
	}
	return spec.ProjectID, nil
}

func (s *Store) ReorderSpecifications(_ context.Context, projectID string, moves []ordering.Move) ([]specification.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, storage.ErrNotFound
	}

	siblings := s.specsOfLocked(projectID)
	ids := make(map[string]struct{}, len(siblings))
	for _, sib := range siblings {
		ids[sib.ID] = struct{}{}
	}
	if err := ordering.ValidatePermutation(moves, ids); err != nil {
		return nil, err
	}

	for _, m := range moves {
		spec := s.specs[m.ChildID]
		spec.OrderIndex = m.NewIndex
		s.specs[m.ChildID] = spec
	}
	return s.specsOfLocked(projectID), nil
}

func (s *Store) specsOfLocked(projectID string) []specification.Specification {
	specs := make([]specification.Specification, 0)
	for _, spec := range s.specs {
		if spec.ProjectID == projectID {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].OrderIndex < specs[j].OrderIndex
	})
	return specs
}

// --- ItemStore --------------------------------------------------------------

func (s *Store) CreateItem(_ context.Context, it item.Item, position *int) (item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[it.SpecID]; !ok {
		return item.Item{}, storage.ErrNotFound
	}

	siblings := s.itemsOfLocked(it.SpecID)
	indices := make([]int, len(siblings))
	for i, sib := range siblings {
		indices[i] = sib.OrderIndex
	}

	if err := ordering.CheckCapacity(len(indices), item.MaxPerSpecification, "items"); err != nil {
		return item.Item{}, err
	}
	idx, err := ordering.AllocateIndex(indices, position)
	if err != nil {
		return item.Item{}, err
	}
	if shift, ok := ordering.InsertShift(idx, len(indices)); ok {
		for _, sib := range siblings {
			if inShift(sib.OrderIndex, shift) {
				sib.OrderIndex += shift.Delta
				s.items[sib.ID] = sib
			}
		}
	}

	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.OrderIndex = idx
	it.CreatedAt = time.Now().UTC()
	s.items[it.ID] = it
	return it, nil
}

func (s *Store) GetItem(_ context.Context, id string) (item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return item.Item{}, storage.ErrNotFound
	}
	return it, nil
}

func (s *Store) ListItems(_ context.Context, specID string) ([]item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.specs[specID]; !ok {
		return nil, storage.ErrNotFound
	}
	return s.itemsOfLocked(specID), nil
}

func (s *Store) UpdateItemContent(_ context.Context, id, content string) (item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return item.Item{}, storage.ErrNotFound
	}
	it.Content = content
	s.items[id] = it
	return it, nil
}

func (s *Store) DeleteItem(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	delete(s.items, id)

	shift := ordering.DeleteShift(it.OrderIndex)
	for _, sib := range s.itemsOfLocked(it.SpecID) {
		if inShift(sib.OrderIndex, shift) {
			sib.OrderIndex += shift.Delta
			s.items[sib.ID] = sib
		}
	}
	return it.SpecID, nil
}

func (s *Store) ReorderItems(_ context.Context, specID string, moves []ordering.Move) ([]item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[specID]; !ok {
		return nil, storage.ErrNotFound
	}

	siblings := s.itemsOfLocked(specID)
	ids := make(map[string]struct{}, len(siblings))
	for _, sib := range siblings {
		ids[sib.ID] = struct{}{}
	}
	if err := ordering.ValidatePermutation(moves, ids); err != nil {
		return nil, err
	}

	for _, m := range moves {
		it := s.items[m.ChildID]
		it.OrderIndex = m.NewIndex
		s.items[m.ChildID] = it
	}
	return s.itemsOfLocked(specID), nil
}

func (s *Store) itemsOfLocked(specID string) []item.Item {
	items := make([]item.Item, 0)
	for _, it := range s.items {
		if it.SpecID == specID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].OrderIndex < items[j].OrderIndex
	})
	return items
}

func inShift(index int, shift ordering.Shift) bool {
	if index < shift.MinIndex {
		return false
	}
	return shift.MaxIndex == ordering.Unbounded || index <= shift.MaxIndex
}
