package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"confidential-choice/models"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[common.Address]*models.ChoiceRecord
	chains      map[string][]*models.Block
	ciphertexts map[models.Handle][]byte
	grants      map[models.Handle]map[common.Address]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[common.Address]*models.ChoiceRecord),
		chains:      make(map[string][]*models.Block),
		ciphertexts: make(map[models.Handle][]byte),
		grants:      make(map[models.Handle]map[common.Address]struct{}),
	}
}

func (s *MemoryStore) LoadRecord(ctx context.Context, identity common.Address) (*models.ChoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SaveRecord(ctx context.Context, rec *models.ChoiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Identity] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context) ([]*models.ChoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.ChoiceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) SaveBlock(ctx context.Context, chain string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chains[chain] = append(s.chains[chain], block)
	return nil
}

func (s *MemoryStore) LoadChain(ctx context.Context, chain string) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]*models.Block, len(s.chains[chain]))
	copy(blocks, s.chains[chain])
	return blocks, nil
}

func (s *MemoryStore) PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ciphertexts[handle] = bytes.Clone(ciphertext)
	return nil
}

func (s *MemoryStore) GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct, ok := s.ciphertexts[handle]
	if !ok {
		return nil, models.ErrNotFound
	}
	return bytes.Clone(ct), nil
}

func (s *MemoryStore) Grant(ctx context.Context, handle models.Handle, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, ok := s.grants[handle]
	if !ok {
		accounts = make(map[common.Address]struct{})
		s.grants[handle] = accounts
	}
	accounts[account] = struct{}{}
	return nil
}

func (s *MemoryStore) IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.grants[handle][account]
	return ok, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortRecords(recs []*models.ChoiceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return bytes.Compare(recs[i].Identity[:], recs[j].Identity[:]) < 0
	})
}
