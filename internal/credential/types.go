package credential

import (
	"errors"
	"fmt"
	"time"
)

// Provider identifies an upstream broker issuing credentials.
type Provider string

const (
	ProviderKIS    Provider = "kis"
	ProviderKiwoom Provider = "kiwoom"
)

// Kind distinguishes the credential surfaces a provider issues.
type Kind string

const (
	// KindRestAccess is the bearer token for authenticated REST calls.
	KindRestAccess Kind = "rest_access"

	// KindWSApproval is the approval key required on websocket control frames.
	KindWSApproval Kind = "ws_approval"
)

// Key identifies one credential in the store.
type Key struct {
	Provider Provider
	Kind     Kind
}

func (k Key) String() string {
	return string(k.Provider) + "/" + string(k.Kind)
}

// Credential is one issued token/key and its computed validity window.
// Replaced wholesale on every successful refresh, never mutated in place.
type Credential struct {
	Provider  Provider
	Kind      Kind
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero means "unknown, treat as invalid"
}

// Valid reports whether the credential can still be used at the given
// instant. An unknown expiry counts as invalid so it gets re-issued.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// Key returns the store key for this credential.
func (c Credential) Key() Key {
	return Key{Provider: c.Provider, Kind: c.Kind}
}

// ErrNotFound is returned when no credential has ever been issued for a key.
var ErrNotFound = errors.New("credential not found")

// IssuanceError wraps a failed call to a provider's issuance endpoint.
type IssuanceError struct {
	Provider Provider
	Kind     Kind
	Err      error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("issue %s/%s credential: %v", e.Provider, e.Kind, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }
