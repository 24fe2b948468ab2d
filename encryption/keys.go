package encryption

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeysFile is the name of the coprocessor credentials file inside the
// storage directory.
const KeysFile = "coprocessor_keys.json"

// CoprocessorCredentials is the on-disk form of the coprocessor keys. The
// Paillier key is stored as its two primes; the modulus is kept alongside so
// a damaged file is caught on load.
type CoprocessorCredentials struct {
	Address    string   `json:"address"`
	PublicKey  string   `json:"public_key"`
	PrivateKey string   `json:"private_key"`
	PaillierN  *big.Int `json:"paillier_n"`
	PaillierP  *big.Int `json:"paillier_p"`
	PaillierQ  *big.Int `json:"paillier_q"`
}

// LoadOrGenerateKeys restores the coprocessor signer key and Paillier scheme
// from dir, generating and saving new ones when the file does not exist.
func LoadOrGenerateKeys(dir string, paillierBits int) (*ecdsa.PrivateKey, *PaillierAdapter, error) {
	keyPath := filepath.Join(dir, KeysFile)

	// Try to load existing credentials
	if data, err := os.ReadFile(keyPath); err == nil {
		var creds CoprocessorCredentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, nil, fmt.Errorf("failed to parse coprocessor credentials: %w", err)
		}

		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to restore coprocessor key: %w", err)
		}
		if creds.PaillierP == nil || creds.PaillierQ == nil || creds.PaillierN == nil {
			return nil, nil, fmt.Errorf("coprocessor credentials missing paillier key")
		}

		scheme, err := RestorePaillierAdapter(creds.PaillierP, creds.PaillierQ)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to restore paillier key: %w", err)
		}
		if scheme.publicKey.N.Cmp(creds.PaillierN) != 0 {
			return nil, nil, fmt.Errorf("failed to restore paillier key: modulus mismatch")
		}

		return privateKey, scheme, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read coprocessor credentials: %w", err)
	}

	// Generate new keys if none exist
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate coprocessor key: %w", err)
	}
	scheme := NewPaillierAdapter(paillierBits)
	if err := scheme.Initialize(); err != nil {
		return nil, nil, err
	}

	creds := CoprocessorCredentials{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
		PaillierN:  scheme.publicKey.N,
	}
	creds.PaillierP, creds.PaillierQ = scheme.Primes()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal coprocessor credentials: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to save coprocessor credentials: %w", err)
	}

	return privateKey, scheme, nil
}
