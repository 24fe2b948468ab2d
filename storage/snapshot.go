package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"confidential-choice/models"
)

const snapshotTimeLayout = "20060102150405.000"

// SnapshotStore writes timestamped copies of a ledger chain and prunes old
// ones, keeping the most recent Keep files.
type SnapshotStore struct {
	dataDir string
	keep    int
	log     *logrus.Logger
	mutex   sync.Mutex
}

type snapshotFile struct {
	path      string
	timestamp time.Time
}

func NewSnapshotStore(dataDir string, keep int, log *logrus.Logger) (*SnapshotStore, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	if log == nil {
		log = logrus.New()
	}

	return &SnapshotStore{dataDir: absPath, keep: keep, log: log}, nil
}

// Save writes blocks to <chain>_snapshot_<timestamp>.json and returns the path.
func (s *SnapshotStore) Save(chain string, blocks []*models.Block) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(blocks) == 0 {
		return "", fmt.Errorf("cannot snapshot empty chain")
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_snapshot_%s.json", chain, time.Now().UTC().Format(snapshotTimeLayout)))
	data, err := json.MarshalIndent(blocks, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode chain: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := s.cleanup(chain); err != nil {
		s.log.WithError(err).WithField("chain", chain).Warn("failed to prune old snapshots")
	}

	s.log.WithFields(logrus.Fields{"chain": chain, "blocks": len(blocks), "file": filename}).Info("saved ledger snapshot")
	return filename, nil
}

// LoadLatest returns the newest snapshot of chain, or nil if none exists.
func (s *SnapshotStore) LoadLatest(chain string) ([]*models.Block, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.list(chain)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[len(files)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", latest, err)
	}

	var blocks []*models.Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", latest, err)
	}
	return blocks, nil
}

// list returns the snapshots of chain sorted oldest first.
func (s *SnapshotStore) list(chain string) ([]snapshotFile, error) {
	prefix := chain + "_snapshot_"
	paths, err := filepath.Glob(filepath.Join(s.dataDir, prefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var files []snapshotFile
	for _, path := range paths {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix), ".json")
		ts, err := time.Parse(snapshotTimeLayout, stamp)
		if err != nil {
			s.log.WithField("file", path).Warn("invalid timestamp in snapshot filename")
			continue
		}
		files = append(files, snapshotFile{path: path, timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].timestamp.Before(files[j].timestamp) })
	return files, nil
}

func (s *SnapshotStore) cleanup(chain string) error {
	files, err := s.list(chain)
	if err != nil {
		return err
	}

	// Remove older files, keeping the most recent ones
	for i := 0; i < len(files)-s.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			s.log.WithError(err).WithField("file", files[i].path).Warn("failed to remove old snapshot")
		}
	}
	return nil
}
