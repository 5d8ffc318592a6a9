package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// refreshCoalesceWindow bounds duplicate issuance: a caller that blocked on
// another caller's refresh reuses the result instead of re-issuing.
const refreshCoalesceWindow = time.Minute

// Manager owns the refresh path for every registered credential. Refresh is
// serialized per credential; different credentials refresh in parallel.
type Manager struct {
	store   *Store
	logger  *slog.Logger
	now     func() time.Time
	issuers map[Key]Issuer
	locks   map[Key]*sync.Mutex
}

// NewManager creates a Manager over the given issuers.
func NewManager(store *Store, issuers []Issuer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:   store,
		logger:  logger,
		now:     time.Now,
		issuers: make(map[Key]Issuer, len(issuers)),
		locks:   make(map[Key]*sync.Mutex, len(issuers)),
	}
	for _, iss := range issuers {
		m.issuers[iss.Key()] = iss
		m.locks[iss.Key()] = &sync.Mutex{}
	}
	return m
}

// Keys returns every credential key the manager maintains.
func (m *Manager) Keys() []Key {
	keys := make([]Key, 0, len(m.issuers))
	for k := range m.issuers {
		keys = append(keys, k)
	}
	return keys
}

// Refresh issues a new credential for the key and stores it. Concurrent
// callers for the same key block on the in-flight issuance and receive its
// result rather than issuing duplicates.
func (m *Manager) Refresh(ctx context.Context, key Key) (Credential, error) {
	return m.refresh(ctx, key, false)
}

// ForceRefresh re-issues the credential even when the stored one is still
// valid. It only reuses an issuance that completed while this call was
// waiting on the per-key lock, so concurrent forced callers collapse to one
// issuance but a forced call never returns a credential older than itself.
func (m *Manager) ForceRefresh(ctx context.Context, key Key) (Credential, error) {
	return m.refresh(ctx, key, true)
}

func (m *Manager) refresh(ctx context.Context, key Key, force bool) (Credential, error) {
	issuer, ok := m.issuers[key]
	if !ok {
		return Credential{}, fmt.Errorf("no issuer registered for %s: %w", key, ErrNotFound)
	}

	started := m.now()

	lock := m.locks[key]
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	now := m.now()
	if cred, ok := m.store.Get(key); ok {
		if force {
			if !cred.IssuedAt.Before(started) {
				return cred, nil
			}
		} else if cred.Valid(now) && now.Sub(cred.IssuedAt) < refreshCoalesceWindow {
			return cred, nil
		}
	}

	cred, err := issuer.Issue(ctx)
	if err != nil {
		m.logger.Error("credential issuance failed",
			"provider", key.Provider,
			"kind", key.Kind,
			"error", err,
		)
		return Credential{}, err
	}

	m.store.Put(cred)
	m.logger.Info("credential refreshed",
		"provider", cred.Provider,
		"kind", cred.Kind,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

// Get returns the stored credential for the key, if any. The last good
// credential stays visible while a newer refresh is failing.
func (m *Manager) Get(key Key) (Credential, bool) {
	return m.store.Get(key)
}

// IsValid reports whether the key's credential exists and has not expired.
func (m *Manager) IsValid(key Key) bool {
	return m.store.IsValid(key, m.now())
}

// Healthy reports whether every credential kind of the provider is valid.
func (m *Manager) Healthy(provider Provider) bool {
	found := false
	for k := range m.issuers {
		if k.Provider != provider {
			continue
		}
		found = true
		if !m.IsValid(k) {
			return false
		}
	}
	return found
}

// Token returns a currently valid token for the key, refreshing if needed.
func (m *Manager) Token(ctx context.Context, key Key) (string, error) {
	if cred, ok := m.store.Get(key); ok && cred.Valid(m.now()) {
		return cred.Token, nil
	}
	cred, err := m.Refresh(ctx, key)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// AccessToken returns a valid REST access token for the provider.
func (m *Manager) AccessToken(ctx context.Context, provider Provider) (string, error) {
	return m.Token(ctx, Key{Provider: provider, Kind: KindRestAccess})
}

// ApprovalKey returns a valid websocket approval key for the provider.
func (m *Manager) ApprovalKey(ctx context.Context, provider Provider) (string, error) {
	return m.Token(ctx, Key{Provider: provider, Kind: KindWSApproval})
}

// All returns every stored credential, for health reporting.
func (m *Manager) All() []Credential {
	return m.store.All()
}
