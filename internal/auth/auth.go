package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnknownHost is returned for a host id with no partner entry.
	ErrUnknownHost = errors.New("unknown host")
	// ErrBadKey is returned when a key does not match.
	ErrBadKey = errors.New("bad key")
	// ErrNoAdmin is returned when no admin key is configured.
	ErrNoAdmin = errors.New("administration disabled")
)

// HashKey returns the bcrypt hash stored in partner configuration.
func HashKey(key []byte, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword(key, cost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(h), nil
}

// Authenticator checks partner and admin keys against bcrypt hashes.
type Authenticator struct {
	mu       sync.RWMutex
	partners map[string][]byte
	admin    []byte
}

// New builds an Authenticator from host id to key hash.
func New(partners map[string]string, adminHash string) *Authenticator {
	a := &Authenticator{partners: make(map[string][]byte, len(partners))}
	for host, h := range partners {
		a.partners[host] = []byte(h)
	}
	if adminHash != "" {
		a.admin = []byte(adminHash)
	}
	return a
}

// SetPartner adds or replaces a partner hash.
func (a *Authenticator) SetPartner(hostID, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partners[hostID] = []byte(hash)
}

// Verify checks key for hostID.
func (a *Authenticator) Verify(hostID string, key []byte) error {
	a.mu.RLock()
	h, ok := a.partners[hostID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}
	if err := bcrypt.CompareHashAndPassword(h, key); err != nil {
		return fmt.Errorf("%w for %s", ErrBadKey, hostID)
	}
	return nil
}

// VerifyAdmin checks a BlockRequest or Shutdown key.
func (a *Authenticator) VerifyAdmin(key []byte) error {
	a.mu.RLock()
	h := a.admin
	a.mu.RUnlock()
	if h == nil {
		return ErrNoAdmin
	}
	if err := bcrypt.CompareHashAndPassword(h, key); err != nil {
		return fmt.Errorf("%w: admin", ErrBadKey)
	}
	return nil
}
