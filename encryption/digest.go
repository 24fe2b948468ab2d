package encryption

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"confidential-choice/models"
)

var (
	bytes32Type   = mustType("bytes32")
	addressType   = mustType("address")
	addressesType = mustType("address[]")
	uint64Type    = mustType("uint64")
	bytesType     = mustType("bytes")
	stringType    = mustType("string")

	inputArgs = abi.Arguments{
		{Type: bytes32Type}, // handle
		{Type: addressType}, // user
		{Type: addressType}, // registry
		{Type: uint64Type},  // chain id
	}

	permitArgs = abi.Arguments{
		{Type: bytesType},     // public key
		{Type: addressesType}, // registries
		{Type: addressType},   // user
		{Type: uint64Type},    // chain id
		{Type: uint64Type},    // start
		{Type: uint64Type},    // duration days
	}

	callArgs = abi.Arguments{
		{Type: stringType},  // method
		{Type: addressType}, // registry
		{Type: addressType}, // identity
		{Type: bytes32Type}, // handle
		{Type: bytes32Type}, // keccak(proof)
		{Type: uint64Type},  // nonce
		{Type: uint64Type},  // chain id
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", t, err))
	}
	return typ
}

// InputDigest is the digest signed by the coprocessor to prove that handle was
// produced for user on registry.
func InputDigest(handle models.Handle, user, registry common.Address, chainID uint64) ([]byte, error) {
	packed, err := inputArgs.Pack([32]byte(handle), user, registry, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack input proof: %w", err)
	}
	return crypto.Keccak256(packed), nil
}

// PermitDigest is the digest signed by a user to authorize re-encryption.
func PermitDigest(p *models.DecryptionPermit) ([]byte, error) {
	registries := p.Registries
	if registries == nil {
		registries = []common.Address{}
	}
	packed, err := permitArgs.Pack(
		[]byte(p.PublicKey),
		registries,
		p.User,
		uint64(p.ChainID),
		uint64(p.StartTimestamp),
		uint64(p.DurationDays),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack permit: %w", err)
	}
	return crypto.Keccak256(packed), nil
}

// CallDigest is the digest an identity signs to authorize a registry write.
func CallDigest(call *models.Call, chainID uint64) ([]byte, error) {
	method := call.Kind.Method()
	if method == "" {
		return nil, fmt.Errorf("unknown operation kind %s", call.Kind)
	}
	proofHash := crypto.Keccak256Hash(call.Proof)
	packed, err := callArgs.Pack(
		method,
		call.Registry,
		call.Identity,
		[32]byte(call.Handle),
		[32]byte(proofHash),
		uint64(call.Nonce),
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call: %w", err)
	}
	return crypto.Keccak256(packed), nil
}

// SignCall fills in call.Signature using signer, which must own call.Identity.
func SignCall(call *models.Call, chainID uint64, signer Signer) error {
	if signer.Address() != call.Identity {
		return fmt.Errorf("signer %s cannot sign for %s", signer.Address().Hex(), call.Identity.Hex())
	}
	digest, err := CallDigest(call, chainID)
	if err != nil {
		return err
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return fmt.Errorf("failed to sign call: %w", err)
	}
	call.Signature = sig
	return nil
}

// CallSigner recovers the account that signed call.
func CallSigner(call *models.Call, chainID uint64) (common.Address, error) {
	digest, err := CallDigest(call, chainID)
	if err != nil {
		return common.Address{}, err
	}
	return NewCryptoService().RecoverAddress(digest, call.Signature)
}
