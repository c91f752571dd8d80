// Package projects implements project CRUD with per-owner response caching.
package projects

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/domain/project"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/storage"
)

// Service owns project lifecycle and the project list cache.
type Service struct {
	projects storage.ProjectStore
	cache    cache.Cache
	ttl      time.Duration
	prefix   string
	logger   *logging.Logger
}

// New creates the projects service.
func New(store storage.ProjectStore, c cache.Cache, ttl time.Duration, keyPrefix string, logger *logging.Logger) *Service {
	return &Service{projects: store, cache: c, ttl: ttl, prefix: keyPrefix, logger: logger}
}

func (s *Service) listKey(ownerID string) string {
	return cache.Key(s.prefix, "projects", ownerID)
}

// Create adds a project for the owner.
func (s *Service) Create(ctx context.Context, ownerID, title string) (project.Project, error) {
	p := project.Project{Title: strings.TrimSpace(title), OwnerID: ownerID}
	if err := p.Validate(); err != nil {
		return project.Project{}, err
	}

	created, err := s.projects.CreateProject(ctx, p)
	if err != nil {
		return project.Project{}, errors.Internal("create project", err)
	}
	s.invalidate(ctx, ownerID)
	return created, nil
}

// Get returns one project, enforcing ownership.
func (s *Service) Get(ctx context.Context, ownerID, id string) (project.Project, error) {
	return s.authorize(ctx, ownerID, id)
}

// List returns the owner's projects, served from cache when fresh.
func (s *Service) List(ctx context.Context, ownerID string) ([]project.Project, error) {
	key := s.listKey(ownerID)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var projects []project.Project
		if err := json.Unmarshal([]byte(cached), &projects); err == nil {
			return projects, nil
		}
	}

	projects, err := s.projects.ListProjects(ctx, ownerID)
	if err != nil {
		return nil, errors.Internal("list projects", err)
	}

	if payload, err := json.Marshal(projects); err == nil {
		if err := s.cache.Set(ctx, key, string(payload), s.ttl); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("cache project list")
		}
	}
	return projects, nil
}

// Update renames a project.
func (s *Service) Update(ctx context.Context, ownerID, id, title string) (project.Project, error) {
	existing, err := s.authorize(ctx, ownerID, id)
	if err != nil {
		return project.Project{}, err
	}

	existing.Title = strings.TrimSpace(title)
	if err := existing.Validate(); err != nil {
		return project.Project{}, err
	}

	updated, err := s.projects.UpdateProject(ctx, existing)
	if err != nil {
		if err == storage.ErrNotFound {
			return project.Project{}, errors.NotFound("project", id)
		}
		return project.Project{}, errors.Internal("update project", err)
	}
	s.invalidate(ctx, ownerID)
	return updated, nil
}

// Delete removes a project and everything under it.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.authorize(ctx, ownerID, id); err != nil {
		return err
	}

	if err := s.projects.DeleteProject(ctx, id); err != nil {
		if err == storage.ErrNotFound {
			return errors.NotFound("project", id)
		}
		return errors.Internal("delete project", err)
	}
	s.invalidate(ctx, ownerID)
	// Child list caches under the deleted project age out by TTL.
	if err := s.cache.Del(ctx, cache.Key(s.prefix, "specifications", id)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("invalidate specification list")
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, ownerID, id string) (project.Project, error) {
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return project.Project{}, errors.NotFound("project", id)
		}
		return project.Project{}, errors.Internal("load project", err)
	}
	if p.OwnerID != ownerID {
		return project.Project{}, errors.Forbidden("project belongs to another user")
	}
	return p, nil
}

func (s *Service) invalidate(ctx context.Context, ownerID string) {
	if err := s.cache.Del(ctx, s.listKey(ownerID)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("invalidate project list")
	}
}
