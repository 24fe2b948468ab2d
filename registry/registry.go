package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"confidential-choice/encryption"
	"confidential-choice/models"
	"confidential-choice/storage"
)

// Config holds the dependencies of a ChoiceRegistry.
type Config struct {
	Address  common.Address
	Store    storage.RecordStore
	Verifier encryption.ProofVerifier
	// ACL receives access grants for committed handles. Optional.
	ACL encryption.AccessController
	// Ledger records committed events. Optional.
	Ledger *Ledger
	Logger *logrus.Logger
	Now    func() time.Time
}

// ChoiceRegistry holds at most one encrypted choice per identity.
type ChoiceRegistry struct {
	address  common.Address
	store    storage.RecordStore
	verifier encryption.ProofVerifier
	acl      encryption.AccessController
	ledger   *Ledger
	locks    *keyedMutex
	log      *logrus.Logger
	now      func() time.Time
}

// New creates a new ChoiceRegistry. Address, Store and Verifier are required.
func New(cfg Config) (*ChoiceRegistry, error) {
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("registry requires an address")
	}
	if cfg.Store == nil {
		return nil, errors.New("registry requires a record store")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("registry requires a proof verifier")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &ChoiceRegistry{
		address:  cfg.Address,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		acl:      cfg.ACL,
		ledger:   cfg.Ledger,
		locks:    newKeyedMutex(),
		log:      cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Address returns the registry's own address.
func (r *ChoiceRegistry) Address() common.Address {
	return r.address
}

// Ledger returns the audit ledger, or nil when none is configured.
func (r *ChoiceRegistry) Ledger() *Ledger {
	return r.ledger
}

// Record returns the identity's record; unknown identities are Unset.
func (r *ChoiceRegistry) Record(ctx context.Context, id common.Address) (*models.ChoiceRecord, error) {
	rec, err := r.store.LoadRecord(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewChoiceRecord(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id.Hex(), err)
	}
	return rec, nil
}

// Records lists every stored record.
func (r *ChoiceRegistry) Records(ctx context.Context) ([]*models.ChoiceRecord, error) {
	return r.store.ListRecords(ctx)
}

// HasChosen reports whether id has submitted a choice.
func (r *ChoiceRegistry) HasChosen(ctx context.Context, id common.Address) (bool, error) {
	rec, err := r.Record(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.HasSubmitted, nil
}

// ViewChoice returns the stored handle, or the empty handle if none.
func (r *ChoiceRegistry) ViewChoice(ctx context.Context, id common.Address) (models.Handle, error) {
	rec, err := r.Record(ctx, id)
	if err != nil {
		return models.EmptyHandle, err
	}
	return rec.Handle, nil
}

// Nonce returns the call nonce the next signed write of id must carry.
func (r *ChoiceRegistry) Nonce(ctx context.Context, id common.Address) (uint64, error) {
	rec, err := r.Record(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Submit stores the first choice of id.
func (r *ChoiceRegistry) Submit(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error {
	_, err := r.apply(ctx, models.OpSubmit, id, handle, proof, nil)
	return err
}

// Update replaces the existing choice of id.
func (r *ChoiceRegistry) Update(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error {
	_, err := r.apply(ctx, models.OpUpdate, id, handle, proof, nil)
	return err
}

// Execute applies an authenticated call. The call nonce must match the
// record version.
func (r *ChoiceRegistry) Execute(ctx context.Context, call *models.Call) (*models.Receipt, error) {
	if call.Registry != r.address {
		return nil, fmt.Errorf("%w: call addressed to registry %s", models.ErrUnauthorized, call.Registry.Hex())
	}
	nonce := uint64(call.Nonce)
	return r.apply(ctx, call.Kind, call.Identity, call.Handle, call.Proof, &nonce)
}

func (r *ChoiceRegistry) apply(ctx context.Context, kind models.OperationKind, id common.Address, handle models.Handle, proof []byte, nonce *uint64) (*models.Receipt, error) {
	if id == (common.Address{}) {
		return nil, models.ErrInvalidIdentity
	}
	if kind != models.OpSubmit && kind != models.OpUpdate {
		return nil, fmt.Errorf("unknown operation %s", kind)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	logger := r.log.WithFields(logrus.Fields{
		"op":       kind.String(),
		"identity": id.Hex(),
		"handle":   handle.Hex(),
	})

	// 1. Check state transition
	rec, err := r.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case kind == models.OpSubmit && rec.HasSubmitted:
		return nil, models.ErrAlreadySubmitted
	case kind == models.OpUpdate && !rec.HasSubmitted:
		return nil, models.ErrNoPriorChoice
	}

	// 2. Check replay protection
	if nonce != nil && *nonce != rec.Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", models.ErrStaleNonce, *nonce, rec.Version)
	}

	// 3. Verify the input proof
	if handle.IsEmpty() {
		return nil, fmt.Errorf("%w: empty handle", models.ErrInvalidProof)
	}
	if err := r.verifier.VerifyInput(ctx, handle, proof, id, r.address); err != nil {
		logger.WithError(err).Info("input proof rejected")
		if errors.Is(err, models.ErrInvalidProof) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to verify input: %w", err)
	}

	// 4. Commit the record
	next := rec.Clone()
	next.HasSubmitted = true
	next.Handle = handle
	next.Version++
	next.UpdatedAt = r.now().UnixMilli()
	if err := r.store.SaveRecord(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}

	// 5. Grant access to the committed handle; a failed grant restores the
	// previous record so the identity never holds a handle it cannot read
	if err := r.grant(ctx, handle, id); err != nil {
		if rerr := r.store.SaveRecord(ctx, rec); rerr != nil {
			logger.WithError(rerr).Error("failed to restore record after grant failure")
		}
		return nil, err
	}

	receipt := &models.Receipt{
		EventID:  uuid.New().String(),
		Kind:     kind,
		Identity: id,
		Handle:   handle,
		Version:  hexutil.Uint64(next.Version),
	}

	// 6. Append to the ledger; the record is already committed
	if r.ledger != nil {
		if block, err := r.appendEvent(ctx, receipt, next.UpdatedAt); err != nil {
			logger.WithError(err).Warn("failed to append ledger event")
		} else {
			receipt.BlockIndex = hexutil.Uint64(block.Index)
		}
	}

	logger.WithField("version", next.Version).Info("choice committed")
	return receipt, nil
}

func (r *ChoiceRegistry) grant(ctx context.Context, handle models.Handle, id common.Address) error {
	if r.acl == nil {
		return nil
	}
	for _, account := range []common.Address{id, r.address} {
		if err := r.acl.Allow(ctx, handle, account); err != nil {
			return fmt.Errorf("failed to grant access to %s: %w", account.Hex(), err)
		}
	}
	return nil
}

func (r *ChoiceRegistry) appendEvent(ctx context.Context, receipt *models.Receipt, timestamp int64) (*models.Block, error) {
	data, err := json.Marshal(models.ChoiceEvent{
		ID:        receipt.EventID,
		Kind:      receipt.Kind,
		Registry:  r.address,
		Identity:  receipt.Identity,
		Handle:    receipt.Handle,
		Version:   uint64(receipt.Version),
		Timestamp: timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.ledger.Append(ctx, data)
}

// History returns the committed events of id in ledger order.
func (r *ChoiceRegistry) History(ctx context.Context, id common.Address) ([]models.ChoiceEvent, error) {
	if r.ledger == nil {
		return []models.ChoiceEvent{}, nil
	}
	return r.ledger.Events(id)
}
