package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HandleLength is the size of a ciphertext handle in bytes.
const HandleLength = 32

// Identity is a participant account address.
type Identity = common.Address

// Handle is an opaque reference to a ciphertext held by the encryption
// capability. The zero value is the empty handle.
type Handle [HandleLength]byte

// EmptyHandle is returned for identities that never submitted a choice.
var EmptyHandle Handle

// BytesToHandle returns a handle from b, left-padding or cropping like
// common.BytesToHash.
func BytesToHandle(b []byte) Handle {
	var h Handle
	if len(b) > HandleLength {
		b = b[len(b)-HandleLength:]
	}
	copy(h[HandleLength-len(b):], b)
	return h
}

// HexToHandle parses a 0x-prefixed hex string.
func HexToHandle(s string) (Handle, error) {
	var h Handle
	err := h.UnmarshalText([]byte(s))
	return h, err
}

func (h Handle) IsEmpty() bool {
	return h == EmptyHandle
}

// Type returns the encryption domain type code carried in the handle.
func (h Handle) Type() uint8 {
	return h[HandleLength-2]
}

// Version returns the handle format version.
func (h Handle) Version() uint8 {
	return h[HandleLength-1]
}

func (h Handle) Bytes() []byte {
	return h[:]
}

func (h Handle) Hex() string {
	return hexutil.Encode(h[:])
}

func (h Handle) String() string {
	return h.Hex()
}

// MarshalText encodes the handle as 0x-prefixed hex.
func (h Handle) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

// UnmarshalText decodes a 0x-prefixed hex handle of exactly 32 bytes.
func (h *Handle) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Handle", input, h[:])
}
