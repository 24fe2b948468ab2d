package service

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"confidential-choice/encryption"
	"confidential-choice/models"
)

// DefaultPermitDuration matches the validity window users are asked to sign.
const DefaultPermitDuration = 365 * 24 * time.Hour

// PermitStore keeps one signed decryption permit and its ephemeral key per
// identity, in memory only.
type PermitStore struct {
	keyring    *encryption.Keyring
	registries []common.Address
	chainID    uint64
	duration   time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	permits map[common.Address]*permitEntry
}

type permitEntry struct {
	permit *models.DecryptionPermit
	key    *ecdsa.PrivateKey
}

func NewPermitStore(keyring *encryption.Keyring, registries []common.Address, chainID uint64, duration time.Duration, now func() time.Time) *PermitStore {
	if duration <= 0 {
		duration = DefaultPermitDuration
	}
	if now == nil {
		now = time.Now
	}
	return &PermitStore{
		keyring:    keyring,
		registries: registries,
		chainID:    chainID,
		duration:   duration,
		now:        now,
		permits:    make(map[common.Address]*permitEntry),
	}
}

// Get returns a permit valid now for id, signing a new one if needed.
func (ps *PermitStore) Get(id common.Address) (*models.DecryptionPermit, *ecdsa.PrivateKey, error) {
	now := ps.now()

	ps.mu.RLock()
	entry, ok := ps.permits[id]
	ps.mu.RUnlock()
	if ok && entry.permit.ValidAt(now) {
		return entry.permit, entry.key, nil
	}

	signer, err := ps.keyring.Signer(id)
	if err != nil {
		return nil, nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate permit key: %w", err)
	}
	permit, err := encryption.NewPermit(signer, &key.PublicKey, ps.registries, ps.chainID, now, ps.durationDays())
	if err != nil {
		return nil, nil, err
	}

	ps.mu.Lock()
	ps.permits[id] = &permitEntry{permit: permit, key: key}
	ps.mu.Unlock()

	return permit, key, nil
}

// IsActive reports whether a valid permit is held for id.
func (ps *PermitStore) IsActive(id common.Address) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entry, ok := ps.permits[id]
	return ok && entry.permit.ValidAt(ps.now())
}

// Invalidate drops the permit held for id.
func (ps *PermitStore) Invalidate(id common.Address) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.permits, id)
}

func (ps *PermitStore) durationDays() uint64 {
	days := uint64((ps.duration + 24*time.Hour - 1) / (24 * time.Hour))
	if days == 0 {
		days = 1
	}
	return days
}
