package encryption

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownSigner = errors.New("no signer for identity")

// Signer signs 32-byte digests on behalf of one account.
type Signer interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// KeySigner is a Signer backed by an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	crypto  *CryptoService
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		crypto:  NewCryptoService(),
	}
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(key), nil
}

// HexKeySigner creates a signer from a hex-encoded private key.
func HexKeySigner(hexKey string) (*KeySigner, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignHash(digest []byte) ([]byte, error) {
	return s.crypto.Sign(digest, s.key)
}

// Keyring holds the signers of the identities a client acts for.
type Keyring struct {
	mu      sync.RWMutex
	signers map[common.Address]Signer
}

func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[common.Address]Signer)}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

func (k *Keyring) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// Signer returns the signer for identity.
func (k *Keyring) Signer(identity common.Address) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[identity]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownSigner, identity.Hex())
	}
	return s, nil
}

// Identities returns the addresses held by the keyring.
func (k *Keyring) Identities() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]common.Address, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	return ids
}
