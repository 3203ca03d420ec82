// Package identity verifies transaction PINs. PINs are only ever stored as
// bcrypt hashes; bcrypt salts each hash itself.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/warp/wallet-engine/ledger"
)

var (
	ErrPinNotSet    = errors.New("transaction pin not set")
	ErrPinMalformed = errors.New("transaction pin must be 4 to 6 digits")
)

// HashStore persists PIN hashes per user.
type HashStore interface {
	SavePinHash(ctx context.Context, userID ledger.UserID, hash string) error
	PinHash(ctx context.Context, userID ledger.UserID) (string, error) // ErrPinNotSet if none
}

// BcryptVerifier sets and checks transaction PINs.
type BcryptVerifier struct {
	store HashStore
	cost  int
}

// NewBcryptVerifier uses bcrypt.DefaultCost when cost is 0.
func NewBcryptVerifier(store HashStore, cost int) *BcryptVerifier {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptVerifier{store: store, cost: cost}
}

// SetPin hashes and stores pin, replacing any previous one.
func (v *BcryptVerifier) SetPin(ctx context.Context, userID ledger.UserID, pin string) error {
	if !wellFormed(pin) {
		return ErrPinMalformed
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), v.cost)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}
	return v.store.SavePinHash(ctx, userID, string(hash))
}

// VerifyPin reports whether pin matches the stored hash. A user without a PIN
// never verifies.
func (v *BcryptVerifier) VerifyPin(ctx context.Context, userID ledger.UserID, pin string) (bool, error) {
	hash, err := v.store.PinHash(ctx, userID)
	if errors.Is(err, ErrPinNotSet) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare pin: %w", err)
	}
	return true, nil
}

func wellFormed(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// =============================================================================
// MEMORY HASH STORE
// =============================================================================

type MemoryHashes struct {
	mu     sync.RWMutex
	hashes map[ledger.UserID]string
}

func NewMemoryHashes() *MemoryHashes {
	return &MemoryHashes{hashes: make(map[ledger.UserID]string)}
}

func (m *MemoryHashes) SavePinHash(_ context.Context, userID ledger.UserID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[userID] = hash
	return nil
}

func (m *MemoryHashes) PinHash(_ context.Context, userID ledger.UserID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.hashes[userID]
	if !ok {
		return "", ErrPinNotSet
	}
	return hash, nil
}
