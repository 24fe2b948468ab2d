package models

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MaxDifficulty bounds the leading zero bytes a block may require. Each
// byte multiplies the expected mining work by 256.
const MaxDifficulty = 3

var (
	ErrInvalidChain      = errors.New("invalid ledger chain")
	ErrDifficultyTooHigh = fmt.Errorf("difficulty above %d", MaxDifficulty)
)

// Block is one entry of the hash-chained ledger.
type Block struct {
	Index      uint64 `json:"index"`
	Timestamp  int64  `json:"timestamp"` // unix millis, strictly increasing along the chain
	Data       []byte `json:"data"`
	PrevHash   []byte `json:"prev_hash"`
	Hash       []byte `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Difficulty uint8  `json:"difficulty"` // Number of leading zero bytes required
}

// NewBlock creates and mines a new block. Mining stops early when ctx is done.
func NewBlock(ctx context.Context, index uint64, timestamp int64, data []byte, prevHash []byte, difficulty uint8) (*Block, error) {
	block := &Block{
		Index:      index,
		Timestamp:  timestamp,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}

	if err := block.Mine(ctx); err != nil {
		return nil, err
	}
	return block, nil
}

// GenesisPrevHash is the previous-hash value of the first block.
func GenesisPrevHash() []byte {
	return make([]byte, sha256.Size)
}

func (b *Block) Mine(ctx context.Context) error {
	if b.Difficulty > MaxDifficulty {
		return fmt.Errorf("%w: %d", ErrDifficultyTooHigh, b.Difficulty)
	}

	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()

		if bytes.HasPrefix(b.Hash, target) {
			return nil
		}

		nonce++
		if nonce%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining interrupted: %w", err)
			}
			time.Sleep(time.Microsecond)
		}
	}
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)
	buffer.WriteByte(b.Difficulty)

	hash := sha256.Sum256(buffer.Bytes())
	return hash[:]
}

func (b *Block) Validate() bool {
	calculatedHash := b.calculateHash()
	if !bytes.Equal(calculatedHash, b.Hash) {
		return false
	}

	target := make([]byte, b.Difficulty)
	return bytes.HasPrefix(calculatedHash, target)
}

// ValidateChain checks hashes, links, indices and timestamp ordering.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if blocks[0].Index != 0 {
		return fmt.Errorf("%w: genesis block has index %d", ErrInvalidChain, blocks[0].Index)
	}
	if !bytes.Equal(blocks[0].PrevHash, GenesisPrevHash()) {
		return fmt.Errorf("%w: genesis block has a non-zero previous hash", ErrInvalidChain)
	}
	if !blocks[0].Validate() {
		return fmt.Errorf("%w: genesis block hash %x does not match %x",
			ErrInvalidChain, blocks[0].Hash, blocks[0].calculateHash())
	}

	for i := 1; i < len(blocks); i++ {
		currentBlock := blocks[i]
		previousBlock := blocks[i-1]

		if !currentBlock.Validate() {
			return fmt.Errorf("%w: block %d has invalid hash", ErrInvalidChain, i)
		}

		if !bytes.Equal(currentBlock.PrevHash, previousBlock.Hash) {
			return fmt.Errorf("%w: block %d has invalid previous hash link", ErrInvalidChain, i)
		}

		if currentBlock.Index != previousBlock.Index+1 {
			return fmt.Errorf("%w: block %d has invalid index %d", ErrInvalidChain, i, currentBlock.Index)
		}

		if currentBlock.Timestamp <= previousBlock.Timestamp {
			return fmt.Errorf("%w: block %d has invalid timestamp", ErrInvalidChain, i)
		}
	}

	return nil
}
