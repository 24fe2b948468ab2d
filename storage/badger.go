package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"confidential-choice/models"
)

const (
	prefixRecord     = "rec/"
	prefixBlock      = "blk/"
	prefixCiphertext = "ct/"
	prefixGrant      = "acl/"
)

type BadgerConfig struct {
	Path     string // empty or InMemory runs without a directory
	InMemory bool
	Logger   *logrus.Logger
}

// BadgerStore persists state in a Badger key-value database.
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Logger
}

func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory || config.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", config.Path, err)
	}

	return &BadgerStore{db: db, log: config.Logger}, nil
}

func recordKey(identity common.Address) []byte {
	return append([]byte(prefixRecord), identity.Bytes()...)
}

func chainPrefix(chain string) []byte {
	return []byte(prefixBlock + chain + "/")
}

func blockKey(chain string, index uint64) []byte {
	key := chainPrefix(chain)
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, index)
	return append(key, idx...)
}

func ciphertextKey(handle models.Handle) []byte {
	return append([]byte(prefixCiphertext), handle.Bytes()...)
}

func grantKey(handle models.Handle, account common.Address) []byte {
	key := append([]byte(prefixGrant), handle.Bytes()...)
	return append(key, account.Bytes()...)
}

func (s *BadgerStore) get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrNotFound
	}
	return value, err
}

func (s *BadgerStore) set(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		s.log.WithError(err).WithField("key", string(key[:4])).Error("badger write failed")
	}
	return err
}

func (s *BadgerStore) LoadRecord(ctx context.Context, identity common.Address) (*models.ChoiceRecord, error) {
	data, err := s.get(recordKey(identity))
	if err != nil {
		return nil, err
	}
	var rec models.ChoiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", identity.Hex(), err)
	}
	return &rec, nil
}

func (s *BadgerStore) SaveRecord(ctx context.Context, rec *models.ChoiceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.set(recordKey(rec.Identity), data)
}

func (s *BadgerStore) ListRecords(ctx context.Context) ([]*models.ChoiceRecord, error) {
	out := make([]*models.ChoiceRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec models.ChoiceRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SaveBlock(ctx context.Context, chain string, block *models.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	return s.set(blockKey(chain, block.Index), data)
}

// LoadChain returns the chain ordered by block index; keys sort big-endian.
func (s *BadgerStore) LoadChain(ctx context.Context, chain string) ([]*models.Block, error) {
	blocks := make([]*models.Block, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = chainPrefix(chain)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var b models.Block
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("failed to decode block: %w", err)
			}
			blocks = append(blocks, &b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (s *BadgerStore) PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error {
	return s.set(ciphertextKey(handle), ciphertext)
}

func (s *BadgerStore) GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error) {
	return s.get(ciphertextKey(handle))
}

func (s *BadgerStore) Grant(ctx context.Context, handle models.Handle, account common.Address) error {
	return s.set(grantKey(handle, account), []byte{1})
}

func (s *BadgerStore) IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error) {
	_, err := s.get(grantKey(handle, account))
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
