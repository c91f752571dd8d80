package project

import (
	"strings"
	"time"

	"github.com/specboard/specboard/internal/errors"
)

// MaxTitleLength bounds project titles.
const MaxTitleLength = 255

// Project is the top level of the content hierarchy. Each project is owned
// by exactly one user and holds an ordered collection of specifications.
type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks title and ownership fields.
func (p Project) Validate() error {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return errors.Validation("title is required")
	}
	if len(title) > MaxTitleLength {
		return errors.Validation("title exceeds maximum length of 255")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.Validation("owner_id is required")
	}
	return nil
}
