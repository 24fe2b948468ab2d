package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new secp256k1 key pair
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// GenerateNonce generates 32 random bytes
func (cs *CryptoService) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	return nonce, err
}

// Sign signs a 32-byte digest with privateKey
func (cs *CryptoService) Sign(digest []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, privateKey)
}

// RecoverAddress returns the address that produced signature over digest
func (cs *CryptoService) RecoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, errors.New("malformed signature")
	}
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature over digest was produced by signer
func (cs *CryptoService) VerifySignature(digest, signature []byte, signer common.Address) bool {
	addr, err := cs.RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return addr == signer
}

// HashData creates a Keccak256 hash of data
func (cs *CryptoService) HashData(data []byte) []byte {
	return cs.Keccak256(data)
}

// FromECDSAPub serializes public key to bytes
func (cs *CryptoService) FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return crypto.FromECDSAPub(pub)
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// ParsePrivateKey decodes a hex private key, with or without 0x prefix
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	keyStr = strings.TrimPrefix(keyStr, "0x")

	keyBytes, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex string: %w", err)
	}

	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}
