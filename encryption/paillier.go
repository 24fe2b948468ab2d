package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/roasbeef/go-go-gadget-paillier"
)

// PaillierAdapter adapts the Paillier implementation to the Scheme interface
type PaillierAdapter struct {
	keySize    int
	p, q       *big.Int
	privateKey *paillier.PrivateKey
	publicKey  *paillier.PublicKey
}

// NewPaillierAdapter creates a new adapter for the Paillier scheme. Keys are
// generated by Initialize.
func NewPaillierAdapter(keySize int) *PaillierAdapter {
	return &PaillierAdapter{keySize: keySize}
}

// RestorePaillierAdapter rebuilds the scheme from the two primes saved by
// Primes. The library keeps its decryption state unexported, so the key is
// regenerated from the primes instead of being unmarshalled.
func RestorePaillierAdapter(p, q *big.Int) (*PaillierAdapter, error) {
	if p == nil || q == nil || p.Sign() <= 0 || q.Sign() <= 0 {
		return nil, errors.New("paillier primes not set")
	}
	if p.BitLen() != q.BitLen() {
		return nil, fmt.Errorf("paillier primes differ in size: %d and %d bits", p.BitLen(), q.BitLen())
	}
	a := &PaillierAdapter{keySize: p.BitLen() * 2}
	if err := a.setPrimes(p, q); err != nil {
		return nil, err
	}
	return a, nil
}

// Initialize generates keys for the scheme
func (p *PaillierAdapter) Initialize() error {
	if p.keySize < 16 || p.keySize%2 != 0 {
		return fmt.Errorf("invalid Paillier key size %d", p.keySize)
	}
	for {
		a, err := rand.Prime(rand.Reader, p.keySize/2)
		if err != nil {
			return fmt.Errorf("failed to generate Paillier key: %w", err)
		}
		b, err := rand.Prime(rand.Reader, p.keySize/2)
		if err != nil {
			return fmt.Errorf("failed to generate Paillier key: %w", err)
		}
		if a.Cmp(b) == 0 {
			continue
		}
		return p.setPrimes(a, b)
	}
}

func (p *PaillierAdapter) setPrimes(a, b *big.Int) error {
	size := (p.keySize/2 + 7) / 8
	key, err := paillier.GenerateKey(&primeReader{size: size, primes: []*big.Int{a, b}}, p.keySize)
	if err != nil {
		return fmt.Errorf("failed to build Paillier key: %w", err)
	}
	if key.N.Cmp(new(big.Int).Mul(a, b)) != 0 {
		return errors.New("paillier primes do not reproduce the key")
	}
	p.p, p.q = a, b
	p.privateKey = key
	p.publicKey = &key.PublicKey
	return nil
}

// primeReader feeds fixed primes to paillier.GenerateKey. Every read of a
// full prime length consumes the next prime; shorter reads get zeros. The
// order in which the library's two prime draws take them does not matter
// since n = p*q either way.
type primeReader struct {
	mu     sync.Mutex
	size   int
	primes []*big.Int
}

func (r *primeReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(b) != r.size {
		clear(b)
		return len(b), nil
	}
	if len(r.primes) == 0 {
		return 0, errors.New("no primes left")
	}
	r.primes[0].FillBytes(b)
	r.primes = r.primes[1:]
	return len(b), nil
}

// Name returns the name of the encryption scheme
func (p *PaillierAdapter) Name() string {
	return fmt.Sprintf("Paillier-%d", p.keySize)
}

// KeySize returns the key size in bits
func (p *PaillierAdapter) KeySize() int {
	return p.keySize
}

// Encrypt encrypts a non-negative big.Int value
func (p *PaillierAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if p.publicKey == nil {
		return nil, fmt.Errorf("public key not set")
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("value must be a non-negative integer")
	}

	return paillier.Encrypt(p.publicKey, value.Bytes())
}

// Decrypt decrypts a ciphertext back to its big.Int value
func (p *PaillierAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if p.privateKey == nil {
		return nil, fmt.Errorf("private key not set")
	}

	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	plaintext, err := paillier.Decrypt(p.privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return new(big.Int).SetBytes(plaintext), nil
}

// CiphertextSize returns the size in bytes of a ciphertext for a given plaintext
func (p *PaillierAdapter) CiphertextSize(plaintext *big.Int) int {
	// In Paillier, ciphertext size is approximately the size of N^2
	return (p.keySize * 2) / 8
}

// EstimatedSecurityBits returns an estimate of the security level in bits
func (p *PaillierAdapter) EstimatedSecurityBits() int {
	// Security estimates based on NIST recommendations
	switch p.keySize {
	case 1024:
		return 80
	case 2048:
		return 112
	case 3072:
		return 128
	case 4096:
		return 152
	default:
		return p.keySize / 20 // Rough estimate
	}
}

// Primes returns the secret primes for persistence.
func (p *PaillierAdapter) Primes() (*big.Int, *big.Int) {
	return p.p, p.q
}
