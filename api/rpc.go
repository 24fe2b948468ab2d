package api

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"confidential-choice/encryption"
	"confidential-choice/models"
	"confidential-choice/registry"
	"confidential-choice/service"
)

// codedError carries the wire code of an error kind to RPC clients.
type codedError struct {
	err error
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) ErrorCode() int {
	return models.ErrorCode(e.err)
}

func (e *codedError) Unwrap() error {
	return e.err
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err}
}

// ChoiceAPI serves the registry under the "choice" namespace.
type ChoiceAPI struct {
	registry *registry.ChoiceRegistry
	chainID  uint64
	metrics  *service.MetricsCollector
	log      *logrus.Logger
}

func (api *ChoiceAPI) Address() common.Address {
	return api.registry.Address()
}

func (api *ChoiceAPI) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(api.chainID)
}

func (api *ChoiceAPI) HasChosen(ctx context.Context, id common.Address) (bool, error) {
	ok, err := api.registry.HasChosen(ctx, id)
	return ok, rpcError(err)
}

func (api *ChoiceAPI) ViewUserChoice(ctx context.Context, id common.Address) (models.Handle, error) {
	h, err := api.registry.ViewChoice(ctx, id)
	return h, rpcError(err)
}

// Nonce returns the nonce the next call for id must carry.
func (api *ChoiceAPI) Nonce(ctx context.Context, id common.Address) (hexutil.Uint64, error) {
	n, err := api.registry.Nonce(ctx, id)
	return hexutil.Uint64(n), rpcError(err)
}

func (api *ChoiceAPI) MakeChoice(ctx context.Context, call models.Call) (*models.Receipt, error) {
	return api.execute(ctx, models.OpSubmit, &call)
}

func (api *ChoiceAPI) ChangeChoice(ctx context.Context, call models.Call) (*models.Receipt, error) {
	return api.execute(ctx, models.OpUpdate, &call)
}

func (api *ChoiceAPI) execute(ctx context.Context, kind models.OperationKind, call *models.Call) (*models.Receipt, error) {
	start := time.Now()
	receipt, err := api.executeSigned(ctx, kind, call)
	api.metrics.Observe("rpc_"+kind.String(), start, err)

	logger := api.log.WithFields(logrus.Fields{"method": kind.Method(), "identity": call.Identity.Hex()})
	if err != nil {
		logger.WithError(err).Warn("call rejected")
		return nil, rpcError(err)
	}
	logger.WithField("event_id", receipt.EventID).Debug("call executed")
	return receipt, nil
}

func (api *ChoiceAPI) executeSigned(ctx context.Context, kind models.OperationKind, call *models.Call) (*models.Receipt, error) {
	// the signature covers the method, so a call signed for the other
	// method recovers to a different account
	call.Kind = kind
	signer, err := encryption.CallSigner(call, api.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if signer != call.Identity {
		return nil, fmt.Errorf("%w: recovered %s", models.ErrUnauthorized, signer.Hex())
	}
	return api.registry.Execute(ctx, call)
}

// FHEAPI serves the encryption capability under the "fhe" namespace.
type FHEAPI struct {
	coprocessor *encryption.Coprocessor
}

// Signer returns the account that signs input proofs.
func (api *FHEAPI) Signer() common.Address {
	return api.coprocessor.Address()
}

func (api *FHEAPI) Encrypt(ctx context.Context, req models.EncryptRequest) (*models.EncryptedInput, error) {
	domain := encryption.Uint32
	if req.Domain != "" {
		d, err := encryption.LookupDomain(req.Domain)
		if err != nil {
			return nil, rpcError(fmt.Errorf("%w: %v", models.ErrEncryptionFailed, err))
		}
		domain = d
	}
	in, err := api.coprocessor.Encrypt(ctx, uint64(req.Value), req.User, req.Registry, domain)
	return in, rpcError(err)
}

func (api *FHEAPI) UserDecrypt(ctx context.Context, req models.UserDecryptRequest) (hexutil.Bytes, error) {
	out, err := api.coprocessor.UserDecrypt(ctx, &req)
	return out, rpcError(err)
}
