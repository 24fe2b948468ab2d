package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"confidential-choice/models"
)

const (
	recordsFile     = "records.json"
	ciphertextsFile = "ciphertexts.json"
	grantsFile      = "grants.json"
)

// Chain represents an entire block chain file
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps state in memory and rewrites the affected JSON file on
// every mutation.
type JSONStore struct {
	basePath    string
	mu          sync.RWMutex
	records     map[common.Address]*models.ChoiceRecord
	chains      map[string]*Chain
	ciphertexts map[models.Handle]hexutil.Bytes
	grants      map[models.Handle][]common.Address
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath:    basePath,
		records:     make(map[common.Address]*models.ChoiceRecord),
		chains:      make(map[string]*Chain),
		ciphertexts: make(map[models.Handle]hexutil.Bytes),
		grants:      make(map[models.Handle][]common.Address),
	}

	var records []*models.ChoiceRecord
	if err := store.readFile(recordsFile, &records); err != nil {
		return nil, err
	}
	for _, rec := range records {
		store.records[rec.Identity] = rec
	}
	if err := store.readFile(ciphertextsFile, &store.ciphertexts); err != nil {
		return nil, err
	}
	if err := store.readFile(grantsFile, &store.grants); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *JSONStore) LoadRecord(ctx context.Context, identity common.Address) (*models.ChoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *JSONStore) SaveRecord(ctx context.Context, rec *models.ChoiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[rec.Identity]
	s.records[rec.Identity] = rec.Clone()
	if err := s.writeFile(recordsFile, s.recordList()); err != nil {
		if existed {
			s.records[rec.Identity] = prev
		} else {
			delete(s.records, rec.Identity)
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListRecords(ctx context.Context) ([]*models.ChoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.recordList()
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *JSONStore) recordList() []*models.ChoiceRecord {
	out := make([]*models.ChoiceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func (s *JSONStore) SaveBlock(ctx context.Context, chainType string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chain(chainType)
	if err != nil {
		return err
	}

	// Append block to chain
	chain.Blocks = append(chain.Blocks, block)

	// Save entire chain to file
	if err := s.writeFile(chainFileName(chainType), chain); err != nil {
		chain.Blocks = chain.Blocks[:len(chain.Blocks)-1]
		return err
	}
	return nil
}

func (s *JSONStore) LoadChain(ctx context.Context, chainType string) ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chain(chainType)
	if err != nil {
		return nil, err
	}

	// Return a copy of the blocks to prevent modification
	blocks := make([]*models.Block, len(chain.Blocks))
	copy(blocks, chain.Blocks)
	return blocks, nil
}

// chain returns the cached chain, loading it from disk on first use.
func (s *JSONStore) chain(chainType string) (*Chain, error) {
	if chain, ok := s.chains[chainType]; ok {
		return chain, nil
	}
	chain := &Chain{Blocks: make([]*models.Block, 0)}
	if err := s.readFile(chainFileName(chainType), chain); err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", chainType, err)
	}
	s.chains[chainType] = chain
	return chain, nil
}

func chainFileName(chainType string) string {
	return fmt.Sprintf("%s_chain.json", chainType)
}

func (s *JSONStore) PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ciphertexts[handle] = bytes.Clone(ciphertext)
	if err := s.writeFile(ciphertextsFile, s.ciphertexts); err != nil {
		delete(s.ciphertexts, handle)
		return err
	}
	return nil
}

func (s *JSONStore) GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct, ok := s.ciphertexts[handle]
	if !ok {
		return nil, models.ErrNotFound
	}
	return bytes.Clone(ct), nil
}

func (s *JSONStore) Grant(ctx context.Context, handle models.Handle, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.grants[handle] {
		if a == account {
			return nil
		}
	}
	s.grants[handle] = append(s.grants[handle], account)
	if err := s.writeFile(grantsFile, s.grants); err != nil {
		s.grants[handle] = s.grants[handle][:len(s.grants[handle])-1]
		return err
	}
	return nil
}

func (s *JSONStore) IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.grants[handle] {
		if a == account {
			return true, nil
		}
	}
	return false, nil
}

func (s *JSONStore) Close() error {
	return nil
}

// readFile decodes name into v. A missing file leaves v untouched.
func (s *JSONStore) readFile(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) writeFile(name string, v interface{}) error {
	path := filepath.Join(s.basePath, name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up temp file if rename fails
		return fmt.Errorf("failed to save %s: %w", name, err)
	}

	return nil
}
