// Package models provides data models for the portfolio tracker.
package models

import (
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/types"
)

// User represents a portfolio owner. Users are written by the account service;
// this module only reads them.
type User struct {
	ID                int64                   `json:"id" db:"id"`
	Username          string                  `json:"username" db:"username"`
	CapClassification types.CapClassification `json:"capClassification" db:"cap_classification"`
	CreatedAt         time.Time               `json:"createdAt" db:"created_at"`
}

// NewUser validates a user row
func NewUser(id int64, username string, cap types.CapClassification, createdAt time.Time) (*User, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid user id %d", id)
	}
	switch cap {
	case "", types.CapSmall, types.CapMid, types.CapLarge:
	default:
		return nil, fmt.Errorf("user %d: unknown cap classification %q", id, cap)
	}
	return &User{
		ID:                id,
		Username:          username,
		CapClassification: cap,
		CreatedAt:         createdAt,
	}, nil
}
