package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecryptionPermit authorizes the decryption capability to re-encrypt
// handles owned by User, held by one of Registries, to PublicKey. It is
// signed by User.
type DecryptionPermit struct {
	PublicKey      hexutil.Bytes    `json:"public_key"`
	Registries     []common.Address `json:"registries"`
	User           common.Address   `json:"user"`
	ChainID        hexutil.Uint64   `json:"chain_id"`
	StartTimestamp hexutil.Uint64   `json:"start_timestamp"`
	DurationDays   hexutil.Uint64   `json:"duration_days"`
	Signature      hexutil.Bytes    `json:"signature"`
}

// Expiry returns the end of the permit's validity window.
func (p *DecryptionPermit) Expiry() time.Time {
	start := time.Unix(int64(p.StartTimestamp), 0)
	return start.Add(time.Duration(p.DurationDays) * 24 * time.Hour)
}

// ValidAt reports whether t falls inside the permit's window.
func (p *DecryptionPermit) ValidAt(t time.Time) bool {
	start := time.Unix(int64(p.StartTimestamp), 0)
	return !t.Before(start) && t.Before(p.Expiry())
}

// Covers reports whether the permit names registry.
func (p *DecryptionPermit) Covers(registry common.Address) bool {
	for _, r := range p.Registries {
		if r == registry {
			return true
		}
	}
	return false
}

// UserDecryptRequest asks the decryption capability for one handle.
type UserDecryptRequest struct {
	Handle   Handle            `json:"handle"`
	Registry common.Address    `json:"registry"`
	Permit   *DecryptionPermit `json:"permit"`
}

// EncryptRequest asks the encryption capability for an input bound to User
// and Registry.
type EncryptRequest struct {
	Value    hexutil.Uint64 `json:"value"`
	User     common.Address `json:"user"`
	Registry common.Address `json:"registry"`
	Domain   string         `json:"domain"`
}
