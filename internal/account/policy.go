package account

import (
	"fmt"
	"unicode"
)

// PasswordPolicy is the configurable password acceptance rule set.
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	// HistoryDepth is how many previous password hashes are checked and
	// retained for reuse rejection, in addition to the current password.
	HistoryDepth int
}

// DefaultPasswordPolicy matches the documented defaults.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:    8,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
		HistoryDepth: 5,
	}
}

// Validate checks a candidate password against the policy.
func (p PasswordPolicy) Validate(password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("password must be at least %d characters", p.MinLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if p.RequireUpper && !upper {
		return fmt.Errorf("password must contain an uppercase letter")
	}
	if p.RequireLower && !lower {
		return fmt.Errorf("password must contain a lowercase letter")
	}
	if p.RequireDigit && !digit {
		return fmt.Errorf("password must contain a digit")
	}
	if p.RequireSpecial && !special {
		return fmt.Errorf("password must contain a special character")
	}
	return nil
}
