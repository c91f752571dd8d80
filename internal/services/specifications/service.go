// Package specifications implements the ordered specification collection of
// a project.
package specifications

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/domain/specification"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/storage"
)

// Service owns specification lifecycle, ordering and the per-project list
// cache.
type Service struct {
	specs    storage.SpecificationStore
	projects storage.ProjectStore
	cache    cache.Cache
	ttl      time.Duration
	prefix   string
	logger   *logging.Logger
}

// New creates the specifications service.
func New(specs storage.SpecificationStore, projects storage.ProjectStore, c cache.Cache, ttl time.Duration, keyPrefix string, logger *logging.Logger) *Service {
	return &Service{specs: specs, projects: projects, cache: c, ttl: ttl, prefix: keyPrefix, logger: logger}
}

func (s *Service) listKey(projectID string) string {
	return cache.Key(s.prefix, "specifications", projectID)
}

// Create inserts a specification at the optional zero-based position (nil
// appends).
func (s *Service) Create(ctx context.Context, userID, projectID, content string, position *int) (specification.Specification, error) {
	if err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return specification.Specification{}, err
	}

	spec := specification.Specification{ProjectID: projectID, Content: strings.TrimSpace(content)}
	if err := spec.Validate(); err != nil {
		return specification.Specification{}, err
	}

	created, err := s.specs.CreateSpecification(ctx, spec, position)
	if err != nil {
		return specification.Specification{}, s.mapStoreErr(err, "specification", projectID)
	}
	s.invalidate(ctx, projectID)
	return created, nil
}

// Get returns one specification, enforcing ownership through its project.
func (s *Service) Get(ctx context.Context, userID, id string) (specification.Specification, error) {
	return s.authorizeSpecification(ctx, userID, id)
}

// List returns a project's specifications ordered by index, served from
// cache when fresh.
func (s *Service) List(ctx context.Context, userID, projectID string) ([]specification.Specification, error) {
	if err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	key := s.listKey(projectID)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var specs []specification.Specification
		if err := json.Unmarshal([]byte(cached), &specs); err == nil {
			return specs, nil
		}
	}

	specs, err := s.specs.ListSpecifications(ctx, projectID)
	if err != nil {
		return nil, s.mapStoreErr(err, "project", projectID)
	}

	if payload, err := json.Marshal(specs); err == nil {
		if err := s.cache.Set(ctx, key, string(payload), s.ttl); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("cache specification list")
		}
	}
	return specs, nil
}

// Update replaces a specification's content. Ordering is untouched.
func (s *Service) Update(ctx context.Context, userID, id, content string) (specification.Specification, error) {
	existing, err := s.authorizeSpecification(ctx, userID, id)
	if err != nil {
		return specification.Specification{}, err
	}

	candidate := existing
	candidate.Content = strings.TrimSpace(content)
	if err := candidate.Validate(); err != nil {
		return specification.Specification{}, err
	}

	updated, err := s.specs.UpdateSpecificationContent(ctx, id, candidate.Content)
	if err != nil {
		return specification.Specification{}, s.mapStoreErr(err, "specification", id)
	}
	s.invalidate(ctx, existing.ProjectID)
	return updated, nil
}

// Delete removes a specification; its former siblings close the gap.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.authorizeSpecification(ctx, userID, id); err != nil {
		return err
	}

	projectID, err := s.specs.DeleteSpecification(ctx, id)
	if err != nil {
		return s.mapStoreErr(err, "specification", id)
	}
	s.invalidate(ctx, projectID)
	return nil
}

// Reorder applies a full permutation of the project's specifications.
func (s *Service) Reorder(ctx context.Context, userID, projectID string, moves []ordering.Move) ([]specification.Specification, error) {
	if err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	specs, err := s.specs.ReorderSpecifications(ctx, projectID, moves)
	if err != nil {
		return nil, s.mapStoreErr(err, "project", projectID)
	}
	s.invalidate(ctx, projectID)
	return specs, nil
}

func (s *Service) authorizeProject(ctx context.Context, userID, projectID string) error {
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.NotFound("project", projectID)
		}
		return errors.Internal("load project", err)
	}
	if p.OwnerID != userID {
		return errors.Forbidden("project belongs to another user")
	}
	return nil
}

func (s *Service) authorizeSpecification(ctx context.Context, userID, id string) (specification.Specification, error) {
	spec, err := s.specs.GetSpecification(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return specification.Specification{}, errors.NotFound("specification", id)
		}
		return specification.Specification{}, errors.Internal("load specification", err)
	}
	if err := s.authorizeProject(ctx, userID, spec.ProjectID); err != nil {
		return specification.Specification{}, err
	}
	return spec, nil
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

func (s *Service) invalidate(ctx context.Context, projectID string) {
	if err := s.cache.Del(ctx, s.listKey(projectID)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("invalidate specification list")
	}
}
