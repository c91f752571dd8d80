package user

import (
	"strings"
	"time"

	"github.com/specboard/specboard/internal/errors"
)

// User represents an authenticated Google account holder.
type User struct {
	ID        string    `json:"id"`
	GoogleID  string    `json:"google_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the identity fields required for provisioning.
func (u User) Validate() error {
	if strings.TrimSpace(u.GoogleID) == "" {
		return errors.Validation("google_id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.Validation("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return errors.Validation("email is malformed")
	}
	return nil
}
