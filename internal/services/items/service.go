// Package items implements the ordered item collection of a specification.
package items

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/domain/item"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/storage"
)

// Service owns item lifecycle, ordering and the per-specification list cache.
type Service struct {
	items    storage.ItemStore
	specs    storage.SpecificationStore
	projects storage.ProjectStore
	cache    cache.Cache
	ttl      time.Duration
	prefix   string
	logger   *logging.Logger
}

// New creates the items service.
func New(items storage.ItemStore, specs storage.SpecificationStore, projects storage.ProjectStore, c cache.Cache, ttl time.Duration, keyPrefix string, logger *logging.Logger) *Service {
	return &Service{items: items, specs: specs, projects: projects, cache: c, ttl: ttl, prefix: keyPrefix, logger: logger}
}

func (s *Service) listKey(specID string) string {
	return cache.Key(s.prefix, "items", specID)
}

// Create inserts an item at the optional zero-based position (nil appends).
func (s *Service) Create(ctx context.Context, userID, specID, content string, position *int) (item.Item, error) {
	if err := s.authorizeSpecification(ctx, userID, specID); err != nil {
		return item.Item{}, err
	}

	it := item.Item{SpecID: specID, Content: strings.TrimSpace(content)}
	if err := it.Validate(); err != nil {
		return item.Item{}, err
	}

	created, err := s.items.CreateItem(ctx, it, position)
	if err != nil {
		return item.Item{}, s.mapStoreErr(err, "item", specID)
	}
	s.invalidate(ctx, specID)
	return created, nil
}

// Get returns one item, enforcing ownership through its specification's
// project.
func (s *Service) Get(ctx context.Context, userID, id string) (item.Item, error) {
	return s.authorizeItem(ctx, userID, id)
}

// List returns a specification's items ordered by index, served from cache
// when fresh.
func (s *Service) List(ctx context.Context, userID, specID string) ([]item.Item, error) {
	if err := s.authorizeSpecification(ctx, userID, specID); err != nil {
		return nil, err
	}

	key := s.listKey(specID)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var items []item.Item
		if err := json.Unmarshal([]byte(cached), &items); err == nil {
			return items, nil
		}
	}

	items, err := s.items.ListItems(ctx, specID)
	if err != nil {
		return nil, s.mapStoreErr(err, "specification", specID)
	}

	if payload, err := json.Marshal(items); err == nil {
		if err := s.cache.Set(ctx, key, string(payload), s.ttl); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("cache item list")
		}
	}
	return items, nil
}

// Update replaces an item's content. Ordering is untouched.
func (s *Service) Update(ctx context.Context, userID, id, content string) (item.Item, error) {
	existing, err := s.authorizeItem(ctx, userID, id)
	if err != nil {
		return item.Item{}, err
	}

	candidate := existing
	candidate.Content = strings.TrimSpace(content)
	if err := candidate.Validate(); err != nil {
		return item.Item{}, err
	}

	updated, err := s.items.UpdateItemContent(ctx, id, candidate.Content)
	if err != nil {
		return item.Item{}, s.mapStoreErr(err, "item", id)
	}
	s.invalidate(ctx, existing.SpecID)
	return updated, nil
}

// Delete removes an item; its former siblings close the gap.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeItem(ctx, userID, id); err != nil {
		return err
	}

	specID, err := s.items.DeleteItem(ctx, id)
	if err != nil {
		return s.mapStoreErr(err, "item", id)
	}
	s.invalidate(ctx, specID)
	return nil
}

// Reorder applies a full permutation of the specification's items.
func (s *Service) Reorder(ctx context.Context, userID, specID string, moves []ordering.Move) ([]item.Item, error) {
	if err := s.authorizeSpecification(ctx, userID, specID); err != nil {
		return nil, err
	}

	items, err := s.items.ReorderItems(ctx, specID, moves)
	if err != nil {
		return nil, s.mapStoreErr(err, "specification", specID)
	}
	s.invalidate(ctx, specID)
	return items, nil
}

func (s *Service) authorizeSpecification(ctx context.Context, userID, specID string) error {
	spec, err := s.specs.GetSpecification(ctx, specID)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.NotFound("specification", specID)
		}
		return errors.Internal("load specification", err)
	}

	p, err := s.projects.GetProject(ctx, spec.ProjectID)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.NotFound("project", spec.ProjectID)
		}
		return errors.Internal("load project", err)
	}
	if p.OwnerID != userID {
		return errors.Forbidden("specification belongs to another user")
	}
	return nil
}

func (s *Service) authorizeItem(ctx context.Context, userID, id string) (item.Item, error) {
	it, err := s.items.GetItem(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return item.Item{}, errors.NotFound("item", id)
		}
		return item.Item{}, errors.Internal("load item", err)
	}
	if err := s.authorizeSpecification(ctx, userID, it.SpecID); err != nil {
		return item.Item{}, err
	}
	return it, nil
}

func (s *Service) mapStoreErr(err error, kind, id string) error {
	if err == storage.ErrNotFound {
		return errors.NotFound(kind, id)
	}
	if se := errors.GetServiceError(err); se != nil {
		return err
	}
	return errors.Internal(kind+" operation", err)
}

func (s *Service) invalidate(ctx context.Context, specID string) {
	if err := s.cache.Del(ctx, s.listKey(specID)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("invalidate item list")
	}
}
