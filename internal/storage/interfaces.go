// Package storage defines the persistence contracts for the content
// hierarchy. Implementations must keep every parent's child collection
// densely indexed: order_index values form the range 0..count-1 after any
// committed mutation, and all index maintenance for one operation happens
// atomically under a per-parent serialization point.
package storage

import (
	"context"
	"errors"

	"github.com/specboard/specboard/internal/domain/item"
	"github.com/specboard/specboard/internal/domain/project"
	"github.com/specboard/specboard/internal/domain/specification"
	"github.com/specboard/specboard/internal/domain/user"
	"github.com/specboard/specboard/internal/ordering"
)

// ErrNotFound is returned when a referenced entity does not exist. Callers
// test with errors.Is.
var ErrNotFound = errors.New("not found")

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
}

// ProjectStore persists projects. Deleting a project cascades to its
// specifications and their items.
type ProjectStore interface {
	CreateProject(ctx context.Context, p project.Project) (project.Project, error)
	GetProject(ctx context.Context, id string) (project.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]project.Project, error)
	UpdateProject(ctx context.Context, p project.Project) (project.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// SpecificationStore persists the ordered specification collection of each
// project. Create honours an optional zero-based position (nil appends);
// Delete returns the parent project id so the caller can invalidate caches;
// Reorder applies a full permutation of the project's specifications.
type SpecificationStore interface {
	CreateSpecification(ctx context.Context, spec specification.Specification, position *int) (specification.Specification, error)
	GetSpecification(ctx context.Context, id string) (specification.Specification, error)
	ListSpecifications(ctx context.Context, projectID string) ([]specification.Specification, error)
	UpdateSpecificationContent(ctx context.Context, id, content string) (specification.Specification, error)
	DeleteSpecification(ctx context.Context, id string) (projectID string, err error)
	ReorderSpecifications(ctx context.Context, projectID string, moves []ordering.Move) ([]specification.Specification, error)
}

// ItemStore persists the ordered item collection of each specification, with
// the same contract shape as SpecificationStore one level down.
type ItemStore interface {
	CreateItem(ctx context.Context, it item.Item, position *int) (item.Item, error)
	GetItem(ctx context.Context, id string) (item.Item, error)
	ListItems(ctx context.Context, specID string) ([]item.Item, error)
	UpdateItemContent(ctx context.Context, id, content string) (item.Item, error)
	DeleteItem(ctx context.Context, id string) (specID string, err error)
	ReorderItems(ctx context.Context, specID string, moves []ordering.Move) ([]item.Item, error)
}
