package encryption

import "math/big"

// Scheme defines the interface for the ciphertext scheme backing the
// coprocessor.
type Scheme interface {
	// Identity information
	Name() string
	KeySize() int

	// Core operations
	Encrypt(value *big.Int) ([]byte, error)
	Decrypt(ciphertext []byte) (*big.Int, error)

	// Analysis helpers
	CiphertextSize(plaintext *big.Int) int
	EstimatedSecurityBits() int
}

// SchemeInfo summarizes a scheme for status output.
type SchemeInfo struct {
	Name            string `json:"name"`
	KeySize         int    `json:"key_size"`
	SecurityBits    int    `json:"security_bits"`
	CiphertextBytes int    `json:"ciphertext_bytes"`
}

// Describe reports s's parameters. Ciphertext size is measured for the
// largest choice value.
func Describe(s Scheme) SchemeInfo {
	return SchemeInfo{
		Name:            s.Name(),
		KeySize:         s.KeySize(),
		SecurityBits:    s.EstimatedSecurityBits(),
		CiphertextBytes: s.CiphertextSize(new(big.Int).SetUint64(Uint32.Max())),
	}
}
