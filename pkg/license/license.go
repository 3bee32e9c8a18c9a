// Package license defines the credential entity (the license key a client
// presents to unlock payload code) and its status state machine.
package license

import (
	"errors"
	"strings"
	"time"
)

const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
	StatusBanned   = "BANNED"
	StatusExpired  = "EXPIRED"
)

const (
	KindPermanent = "PERMANENT"
	KindDays30    = "DAYS_30"
	KindDays90    = "DAYS_90"
	KindDays365   = "DAYS_365"
	KindCustom    = "CUSTOM"
)

var ErrUnknownKind = errors.New("unknown credential kind")

// Credential is mutated on every validation attempt and never physically
// deleted while activation history references it.
type Credential struct {
	ID           string
	Secret       string
	DeploymentID string
	Kind         string
	Status       string
	IssuedAt     time.Time
	ExpiresAt    time.Time // zero for permanent keys
	Uses         int

	// restriction set
	MaxActivations int // zero means unlimited
	AllowedOrigins []string
	BoundCallerID  string

	BanReason string
	BannedAt  time.Time
	LastUsed  time.Time
}

// ExpiryFor computes the policy expiry date for a kind. Custom kinds carry
// their own date; permanent keys never expire.
func ExpiryFor(kind string, issuedAt time.Time, custom time.Time) (time.Time, error) {
	switch kind {
	case KindPermanent:
		return time.Time{}, nil
	case KindDays30:
		return issuedAt.Add(30 * 24 * time.Hour), nil
	case KindDays90:
		return issuedAt.Add(90 * 24 * time.Hour), nil
	case KindDays365:
		return issuedAt.Add(365 * 24 * time.Hour), nil
	case KindCustom:
		return custom, nil
	default:
		return time.Time{}, ErrUnknownKind
	}
}

// IsExpired reports whether the credential is past its policy expiry.
func (c *Credential) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.UTC().After(c.ExpiresAt.UTC())
}

// OriginAllowed checks the origin restriction set; an empty set allows all.
func (c *Credential) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimSpace(strings.ToLower(origin))
	for _, allowed := range c.AllowedOrigins {
		if strings.TrimSpace(strings.ToLower(allowed)) == origin {
			return true
		}
	}
	return false
}

// BoundTo checks the caller-identity binding; an unbound credential accepts
// any caller.
func (c *Credential) BoundTo(callerID string) bool {
	if c.BoundCallerID == "" {
		return true
	}
	return c.BoundCallerID == callerID
}

// ActivationsExhausted reports whether the configured max is already met.
func (c *Credential) ActivationsExhausted() bool {
	return c.MaxActivations > 0 && c.Uses >= c.MaxActivations
}

// Ban is terminal: no transition leaves BANNED.
func (c *Credential) Ban(reason string, now time.Time) {
	c.Status = StatusBanned
	c.BanReason = reason
	c.BannedAt = now.UTC()
}

func IsTerminal(status string) bool {
	return status == StatusBanned || status == StatusExpired
}
