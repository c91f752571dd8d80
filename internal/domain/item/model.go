package item

import (
	"strings"
	"time"

	"github.com/specboard/specboard/internal/errors"
)

const (
	// MaxContentLength bounds item content.
	MaxContentLength = 1000
	// MaxPerSpecification bounds the number of items under one specification.
	MaxPerSpecification = 10
)

// Item is the leaf of the hierarchy: an ordered child of a specification.
type Item struct {
	ID         string    `json:"id"`
	SpecID     string    `json:"spec_id"`
	Content    string    `json:"content"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks content and parent linkage.
func (i Item) Validate() error {
	if strings.TrimSpace(i.SpecID) == "" {
		return errors.Validation("spec_id is required")
	}
	content := strings.TrimSpace(i.Content)
	if content == "" {
		return errors.Validation("content is required")
	}
	if len(content) > MaxContentLength {
		return errors.Validation("content exceeds maximum length of 1000")
	}
	return nil
}
