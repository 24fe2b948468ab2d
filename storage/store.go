package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"confidential-choice/models"
)

// LedgerChain is the chain name holding committed choice events.
const LedgerChain = "choices"

// RecordStore persists per-identity choice records.
type RecordStore interface {
	// LoadRecord returns models.ErrNotFound for unknown identities.
	LoadRecord(ctx context.Context, identity common.Address) (*models.ChoiceRecord, error)
	SaveRecord(ctx context.Context, rec *models.ChoiceRecord) error
	ListRecords(ctx context.Context) ([]*models.ChoiceRecord, error)
}

// ChainStore persists append-only block chains by name.
type ChainStore interface {
	SaveBlock(ctx context.Context, chain string, block *models.Block) error
	LoadChain(ctx context.Context, chain string) ([]*models.Block, error)
}

// CiphertextStore persists ciphertexts and decryption grants by handle.
type CiphertextStore interface {
	PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error
	// GetCiphertext returns models.ErrNotFound for unknown handles.
	GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error)
	Grant(ctx context.Context, handle models.Handle, account common.Address) error
	IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error)
}

// Backend is the full persistence surface used by the daemon.
type Backend interface {
	RecordStore
	ChainStore
	CiphertextStore
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindJSON     = "json"
	KindBadger   = "badger"
	KindPostgres = "postgres"
)

type Options struct {
	Kind        string
	Dir         string
	PostgresDSN string
	Logger      *logrus.Logger
}

// Open creates the backend selected by opts.Kind.
func Open(opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	switch strings.ToLower(opts.Kind) {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindJSON:
		return NewJSONStore(opts.Dir)
	case KindBadger:
		return NewBadgerStore(BadgerConfig{Path: opts.Dir, Logger: opts.Logger})
	case KindPostgres:
		return OpenGormStore(opts.PostgresDSN, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Kind)
	}
}
