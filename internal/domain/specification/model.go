package specification

import (
	"strings"
	"time"

	"github.com/specboard/specboard/internal/errors"
)

const (
	// MaxContentLength bounds specification content.
	MaxContentLength = 1000
	// MaxPerProject bounds the number of specifications under one project.
	// Deliberately distinct from the per-specification item bound.
	MaxPerProject = 100
)

// Specification is the middle level of the hierarchy: an ordered child of a
// project holding an ordered collection of items. OrderIndex is the only
// ordering signal within a project.
type Specification struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Content    string    `json:"content"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks content and parent linkage.
func (s Specification) Validate() error {
	if strings.TrimSpace(s.ProjectID) == "" {
		return errors.Validation("project_id is required")
	}
	content := strings.TrimSpace(s.Content)
	if content == "" {
		return errors.Validation("content is required")
	}
	if len(content) > MaxContentLength {
		return errors.Validation("content exceeds maximum length of 1000")
	}
	return nil
}
