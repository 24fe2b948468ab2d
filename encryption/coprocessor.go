package encryption

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"confidential-choice/models"
)

// handleVersion is written to the last byte of every handle.
const handleVersion = 0

// Encrypter produces encrypted inputs bound to a user and a registry.
type Encrypter interface {
	Encrypt(ctx context.Context, value uint64, user, registry common.Address, domain Domain) (*models.EncryptedInput, error)
}

// ProofVerifier checks that a handle was produced for user on registry.
type ProofVerifier interface {
	VerifyInput(ctx context.Context, handle models.Handle, proof []byte, user, registry common.Address) error
}

// AccessController grants decryption rights on a handle.
type AccessController interface {
	Allow(ctx context.Context, handle models.Handle, account common.Address) error
}

// Decrypter re-encrypts a handle's plaintext to the key named in a permit.
type Decrypter interface {
	UserDecrypt(ctx context.Context, req *models.UserDecryptRequest) ([]byte, error)
}

// CiphertextStore persists ciphertexts and their access grants.
type CiphertextStore interface {
	PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error
	GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error)
	Grant(ctx context.Context, handle models.Handle, account common.Address) error
	IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error)
}

type CoprocessorConfig struct {
	ChainID   uint64
	Scheme    Scheme
	SignerKey *ecdsa.PrivateKey
	Store     CiphertextStore
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Coprocessor is the reference encryption and decryption capability. It
// keeps Paillier ciphertexts behind handles and signs input proofs with its
// own key.
type Coprocessor struct {
	chainID   uint64
	scheme    Scheme
	signerKey *ecdsa.PrivateKey
	address   common.Address
	store     CiphertextStore
	crypto    *CryptoService
	logger    *logrus.Logger
	now       func() time.Time
}

func NewCoprocessor(cfg CoprocessorConfig) (*Coprocessor, error) {
	if cfg.Scheme == nil {
		return nil, errors.New("coprocessor requires an encryption scheme")
	}
	if cfg.SignerKey == nil {
		return nil, errors.New("coprocessor requires a signer key")
	}
	if cfg.Store == nil {
		return nil, errors.New("coprocessor requires a ciphertext store")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coprocessor{
		chainID:   cfg.ChainID,
		scheme:    cfg.Scheme,
		signerKey: cfg.SignerKey,
		address:   crypto.PubkeyToAddress(cfg.SignerKey.PublicKey),
		store:     cfg.Store,
		crypto:    NewCryptoService(),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Address returns the account that signs input proofs.
func (c *Coprocessor) Address() common.Address {
	return c.address
}

func (c *Coprocessor) ChainID() uint64 {
	return c.chainID
}

// Scheme describes the encryption scheme behind the coprocessor.
func (c *Coprocessor) Scheme() SchemeInfo {
	return Describe(c.scheme)
}

// Encrypt encrypts value in domain and returns its handle and input proof.
func (c *Coprocessor) Encrypt(ctx context.Context, value uint64, user, registry common.Address, domain Domain) (*models.EncryptedInput, error) {
	if !domain.Contains(value) {
		return nil, fmt.Errorf("%w: value %d exceeds %s range", models.ErrEncryptionFailed, value, domain.Name)
	}
	if user == (common.Address{}) || registry == (common.Address{}) {
		return nil, fmt.Errorf("%w: input must be bound to a user and a registry", models.ErrEncryptionFailed)
	}

	ciphertext, err := c.scheme.Encrypt(new(big.Int).SetUint64(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEncryptionFailed, err)
	}

	handle := c.deriveHandle(ciphertext, user, registry, domain)
	if err := c.store.PutCiphertext(ctx, handle, ciphertext); err != nil {
		return nil, fmt.Errorf("%w: failed to store ciphertext: %v", models.ErrEncryptionFailed, err)
	}

	digest, err := InputDigest(handle, user, registry, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEncryptionFailed, err)
	}
	proof, err := c.crypto.Sign(digest, c.signerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign proof: %v", models.ErrEncryptionFailed, err)
	}

	c.logger.WithFields(logrus.Fields{
		"handle":   handle.Hex(),
		"user":     user.Hex(),
		"registry": registry.Hex(),
		"domain":   domain.Name,
	}).Debug("encrypted input")

	return &models.EncryptedInput{Handle: handle, Proof: proof}, nil
}

func (c *Coprocessor) deriveHandle(ciphertext []byte, user, registry common.Address, domain Domain) models.Handle {
	chain := make([]byte, 8)
	binary.BigEndian.PutUint64(chain, c.chainID)

	var handle models.Handle
	copy(handle[:models.HandleLength-2], c.crypto.Keccak256(ciphertext, user.Bytes(), registry.Bytes(), chain))
	handle[models.HandleLength-2] = domain.TypeCode
	handle[models.HandleLength-1] = handleVersion
	return handle
}

// VerifyInput checks the proof signature, the handle domain and that the
// ciphertext is known.
func (c *Coprocessor) VerifyInput(ctx context.Context, handle models.Handle, proof []byte, user, registry common.Address) error {
	if handle.IsEmpty() {
		return fmt.Errorf("%w: empty handle", models.ErrInvalidProof)
	}
	if _, ok := DomainOf(handle); !ok {
		return fmt.Errorf("%w: unknown handle type %d", models.ErrInvalidProof, handle.Type())
	}

	digest, err := InputDigest(handle, user, registry, c.chainID)
	if err != nil {
		return err
	}
	if !c.crypto.VerifySignature(digest, proof, c.address) {
		return fmt.Errorf("%w: proof not signed by coprocessor for this user and registry", models.ErrInvalidProof)
	}

	if _, err := c.store.GetCiphertext(ctx, handle); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown ciphertext", models.ErrInvalidProof)
		}
		return fmt.Errorf("failed to load ciphertext: %w", err)
	}
	return nil
}

// Allow grants account decryption rights on handle.
func (c *Coprocessor) Allow(ctx context.Context, handle models.Handle, account common.Address) error {
	if err := c.store.Grant(ctx, handle, account); err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	return nil
}

// UserDecrypt decrypts req.Handle and re-encrypts the value to the permit's
// public key. Both the permit user and the registry must hold a grant.
func (c *Coprocessor) UserDecrypt(ctx context.Context, req *models.UserDecryptRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
	}
	if req == nil || req.Permit == nil {
		return nil, fmt.Errorf("%w: missing permit", models.ErrDecryptionDenied)
	}
	if err := VerifyPermit(req.Permit, c.chainID, c.now()); err != nil {
		return nil, err
	}
	if !req.Permit.Covers(req.Registry) {
		return nil, fmt.Errorf("%w: permit does not cover registry %s", models.ErrDecryptionDenied, req.Registry.Hex())
	}

	for _, account := range []common.Address{req.Permit.User, req.Registry} {
		ok, err := c.store.IsGranted(ctx, req.Handle, account)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s not allowed on handle", models.ErrDecryptionDenied, account.Hex())
		}
	}

	ciphertext, err := c.store.GetCiphertext(ctx, req.Handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
	}
	value, err := c.scheme.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
	}
	if !value.IsUint64() {
		return nil, fmt.Errorf("%w: plaintext out of range", models.ErrDecryptionUnavailable)
	}

	out, err := Reencrypt(req.Permit.PublicKey, value.Uint64())
	if err != nil {
		if errors.Is(err, models.ErrDecryptionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
	}

	c.logger.WithFields(logrus.Fields{
		"handle": req.Handle.Hex(),
		"user":   req.Permit.User.Hex(),
	}).Debug("user decrypt")

	return out, nil
}
