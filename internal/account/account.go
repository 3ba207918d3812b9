// Package account is the system of record the quota engine reads: which API keys
// exist and the tier each one was assigned.
package account

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Directory.Find for unknown identities.
var ErrNotFound = errors.New("account not found")

// Account is one entry in the system of record.
type Account struct {
	Identity string
	Tier     string
}

// Directory looks accounts up by identity (API key).
type Directory interface {
	// Find returns the account for identity, or ErrNotFound.
	Find(ctx context.Context, identity string) (Account, error)
}

// Static is an in-memory Directory: identity -> tier.
type Static struct {
	byIdentity map[string]string
}

// NewStatic creates a Static directory from identity -> tier pairs. Empty
// identities are dropped. The map is copied.
func NewStatic(pairs map[string]string) *Static {
	m := make(map[string]string, len(pairs))
	for id, tier := range pairs {
		if id != "" {
			m[id] = tier
		}
	}
	return &Static{byIdentity: m}
}

// Find implements Directory.
func (s *Static) Find(_ context.Context, identity string) (Account, error) {
	tier, ok := s.byIdentity[identity]
	if !ok {
		return Account{}, ErrNotFound
	}
	return Account{Identity: identity, Tier: tier}, nil
}

// Len returns the number of accounts.
func (s *Static) Len() int { return len(s.byIdentity) }
