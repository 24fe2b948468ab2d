package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"confidential-choice/models"
)

// NewPermit builds a decryption permit for signer's account covering
// registries and signs it. Re-encrypted results are addressed to pub.
func NewPermit(signer Signer, pub *ecdsa.PublicKey, registries []common.Address, chainID uint64, start time.Time, durationDays uint64) (*models.DecryptionPermit, error) {
	p := &models.DecryptionPermit{
		PublicKey:      crypto.FromECDSAPub(pub),
		Registries:     append([]common.Address(nil), registries...),
		User:           signer.Address(),
		ChainID:        hexutil.Uint64(chainID),
		StartTimestamp: hexutil.Uint64(uint64(start.Unix())),
		DurationDays:   hexutil.Uint64(durationDays),
	}

	digest, err := PermitDigest(p)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}
	p.Signature = sig
	return p, nil
}

// VerifyPermit checks the permit signature, chain and validity window. All
// failures wrap models.ErrDecryptionDenied.
func VerifyPermit(p *models.DecryptionPermit, chainID uint64, now time.Time) error {
	if p == nil {
		return fmt.Errorf("%w: missing permit", models.ErrDecryptionDenied)
	}
	if uint64(p.ChainID) != chainID {
		return fmt.Errorf("%w: permit for chain %d", models.ErrDecryptionDenied, uint64(p.ChainID))
	}
	if !p.ValidAt(now) {
		return fmt.Errorf("%w: permit expired or not yet valid", models.ErrDecryptionDenied)
	}
	digest, err := PermitDigest(p)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDecryptionDenied, err)
	}
	signer, err := NewCryptoService().RecoverAddress(digest, p.Signature)
	if err != nil || signer != p.User {
		return fmt.Errorf("%w: bad permit signature", models.ErrDecryptionDenied)
	}
	return nil
}

// Reencrypt encodes value and encrypts it to the permit public key.
func Reencrypt(pubBytes []byte, value uint64) ([]byte, error) {
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed permit key", models.ErrDecryptionDenied)
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, value)
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), payload, nil, nil)
}

// OpenReencrypted decrypts a user-decrypt response with the permit's
// private key.
func OpenReencrypted(key *ecdsa.PrivateKey, ciphertext []byte) (uint64, error) {
	payload, err := ecies.ImportECDSA(key).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open re-encrypted value: %w", err)
	}
	if len(payload) != 8 {
		return 0, fmt.Errorf("unexpected plaintext length %d", len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}
