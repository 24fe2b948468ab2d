package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"confidential-choice/models"
	"confidential-choice/storage"
)

// Ledger is the hash-chained audit log of committed choice events.
type Ledger struct {
	mu         sync.RWMutex
	store      storage.ChainStore
	chain      string
	blocks     []*models.Block
	difficulty uint8
	log        *logrus.Logger
	now        func() time.Time
}

// OpenLedger loads chain from store. Blocks already on disk are validated.
func OpenLedger(ctx context.Context, store storage.ChainStore, chain string, difficulty uint8, log *logrus.Logger) (*Ledger, error) {
	if log == nil {
		log = logrus.New()
	}
	if difficulty > models.MaxDifficulty {
		return nil, fmt.Errorf("%w: %d", models.ErrDifficultyTooHigh, difficulty)
	}

	blocks, err := store.LoadChain(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if err := models.ValidateChain(blocks); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{"chain": chain, "blocks": len(blocks)}).Info("ledger loaded")

	return &Ledger{
		store:      store,
		chain:      chain,
		blocks:     blocks,
		difficulty: difficulty,
		log:        log,
		now:        time.Now,
	}, nil
}

// Append mines a block holding data and persists it.
func (l *Ledger) Append(ctx context.Context, data []byte) (*models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastTimestamp := int64(0)
	prevHash := models.GenesisPrevHash()
	if n := len(l.blocks); n > 0 {
		lastTimestamp = l.blocks[n-1].Timestamp
		prevHash = l.blocks[n-1].Hash
	}

	block, err := models.NewBlock(
		ctx,
		uint64(len(l.blocks)),
		ensureUniqueTimestamp(lastTimestamp, l.now()),
		data,
		prevHash,
		l.difficulty,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mine ledger block: %w", err)
	}

	if err := l.store.SaveBlock(ctx, l.chain, block); err != nil {
		return nil, fmt.Errorf("failed to save ledger block: %w", err)
	}

	l.blocks = append(l.blocks, block)
	l.log.WithFields(logrus.Fields{
		"chain": l.chain,
		"index": block.Index,
		"nonce": block.Nonce,
	}).Debug("ledger block appended")
	return block, nil
}

// ensureUniqueTimestamp returns now in unix millis, bumped past last if needed.
func ensureUniqueTimestamp(last int64, now time.Time) int64 {
	current := now.UnixMilli()
	if current <= last {
		return last + 1
	}
	return current
}

// Blocks returns a copy of the chain.
func (l *Ledger) Blocks() []*models.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	blocks := make([]*models.Block, len(l.blocks))
	copy(blocks, l.blocks)
	return blocks
}

// Len returns the number of blocks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

func (l *Ledger) Block(index uint64) (*models.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index >= uint64(len(l.blocks)) {
		return nil, fmt.Errorf("block %d: %w", index, models.ErrNotFound)
	}
	return l.blocks[index], nil
}

func (l *Ledger) Validate() error {
	return models.ValidateChain(l.Blocks())
}

// Events decodes the choice events of identity, or of everyone when identity
// is the zero address.
func (l *Ledger) Events(identity common.Address) ([]models.ChoiceEvent, error) {
	events := make([]models.ChoiceEvent, 0)
	for _, b := range l.Blocks() {
		var ev models.ChoiceEvent
		if err := json.Unmarshal(b.Data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode block %d: %w", b.Index, err)
		}
		if identity != (common.Address{}) && ev.Identity != identity {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
