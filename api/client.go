package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"confidential-choice/encryption"
	"confidential-choice/models"
)

// remoteError is an RPC error whose code names a known error kind.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.kind
}

// mapError turns coded RPC errors back into the matching sentinel.
func mapError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if kind := models.ErrorForCode(rpcErr.ErrorCode()); kind != nil {
			return &remoteError{kind: kind, msg: rpcErr.Error()}
		}
	}
	return err
}

// Dial connects to a registry daemon's RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*rpc.Client, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return client, nil
}

// RegistryClient is a remote registry. Writes are signed with the identity's
// key from the keyring.
type RegistryClient struct {
	rpc     *rpc.Client
	address common.Address
	chainID uint64
	keyring *encryption.Keyring
}

func NewRegistryClient(ctx context.Context, client *rpc.Client, keyring *encryption.Keyring) (*RegistryClient, error) {
	var address common.Address
	if err := client.CallContext(ctx, &address, "choice_address"); err != nil {
		return nil, fmt.Errorf("failed to fetch registry address: %w", err)
	}
	var chainID hexutil.Uint64
	if err := client.CallContext(ctx, &chainID, "choice_chainId"); err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	if keyring == nil {
		keyring = encryption.NewKeyring()
	}
	return &RegistryClient{rpc: client, address: address, chainID: uint64(chainID), keyring: keyring}, nil
}

func (c *RegistryClient) Address() common.Address {
	return c.address
}

func (c *RegistryClient) ChainID() uint64 {
	return c.chainID
}

func (c *RegistryClient) HasChosen(ctx context.Context, id common.Address) (bool, error) {
	var ok bool
	err := c.rpc.CallContext(ctx, &ok, "choice_hasChosen", id)
	return ok, mapError(err)
}

func (c *RegistryClient) ViewChoice(ctx context.Context, id common.Address) (models.Handle, error) {
	var h models.Handle
	if err := c.rpc.CallContext(ctx, &h, "choice_viewUserChoice", id); err != nil {
		return models.EmptyHandle, mapError(err)
	}
	return h, nil
}

func (c *RegistryClient) Nonce(ctx context.Context, id common.Address) (uint64, error) {
	var n hexutil.Uint64
	err := c.rpc.CallContext(ctx, &n, "choice_nonce", id)
	return uint64(n), mapError(err)
}

func (c *RegistryClient) Submit(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error {
	_, err := c.Send(ctx, models.OpSubmit, id, handle, proof)
	return err
}

func (c *RegistryClient) Update(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error {
	_, err := c.Send(ctx, models.OpUpdate, id, handle, proof)
	return err
}

// Send signs and executes one registry call for id at its current nonce.
func (c *RegistryClient) Send(ctx context.Context, kind models.OperationKind, id common.Address, handle models.Handle, proof []byte) (*models.Receipt, error) {
	signer, err := c.keyring.Signer(id)
	if err != nil {
		return nil, err
	}
	nonce, err := c.Nonce(ctx, id)
	if err != nil {
		return nil, err
	}

	call := &models.Call{
		Kind:     kind,
		Registry: c.address,
		Identity: id,
		Handle:   handle,
		Proof:    proof,
		Nonce:    hexutil.Uint64(nonce),
	}
	if err := encryption.SignCall(call, c.chainID, signer); err != nil {
		return nil, err
	}

	var receipt models.Receipt
	if err := c.rpc.CallContext(ctx, &receipt, "choice_"+kind.Method(), call); err != nil {
		return nil, mapError(err)
	}
	return &receipt, nil
}

// CoprocessorClient reaches the encryption capability of a registry daemon.
type CoprocessorClient struct {
	rpc *rpc.Client
}

func NewCoprocessorClient(client *rpc.Client) *CoprocessorClient {
	return &CoprocessorClient{rpc: client}
}

func (c *CoprocessorClient) Encrypt(ctx context.Context, value uint64, user, registry common.Address, domain encryption.Domain) (*models.EncryptedInput, error) {
	req := models.EncryptRequest{
		Value:    hexutil.Uint64(value),
		User:     user,
		Registry: registry,
		Domain:   domain.Name,
	}
	var in models.EncryptedInput
	if err := c.rpc.CallContext(ctx, &in, "fhe_encrypt", req); err != nil {
		return nil, mapError(err)
	}
	return &in, nil
}

func (c *CoprocessorClient) UserDecrypt(ctx context.Context, req *models.UserDecryptRequest) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, "fhe_userDecrypt", req); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
