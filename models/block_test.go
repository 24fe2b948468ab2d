package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int, difficulty uint8) []*Block {
	t.Helper()

	blocks := make([]*Block, 0, n)
	prev := GenesisPrevHash()
	for i := 0; i < n; i++ {
		b, err := NewBlock(context.Background(), uint64(i), int64(1000+i), []byte{byte(i)}, prev, difficulty)
		require.NoError(t, err)
		blocks = append(blocks, b)
		prev = b.Hash
	}
	return blocks
}

func TestValidateChain_Valid(t *testing.T) {
	require.NoError(t, ValidateChain(nil))
	require.NoError(t, ValidateChain(buildChain(t, 5, 0)))
	require.NoError(t, ValidateChain(buildChain(t, 3, 1)))
}

func TestBlockMine_MeetsDifficulty(t *testing.T) {
	b, err := NewBlock(context.Background(), 0, 1, []byte("payload"), GenesisPrevHash(), 1)
	require.NoError(t, err)
	require.Equal(t, byte(0), b.Hash[0])
	require.True(t, b.Validate())
}

func TestValidateChain_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(blocks []*Block)
	}{
		{"data", func(blocks []*Block) { blocks[2].Data = []byte("forged") }},
		{"link", func(blocks []*Block) {
			blocks[2].PrevHash = blocks[0].Hash
			blocks[2].Mine(context.Background())
		}},
		{"index", func(blocks []*Block) {
			blocks[3].Index = 7
			blocks[3].Mine(context.Background())
		}},
		{"timestamp", func(blocks []*Block) {
			blocks[1].Timestamp = blocks[0].Timestamp
			blocks[1].Mine(context.Background())
			blocks[2].PrevHash = blocks[1].Hash
			blocks[2].Mine(context.Background())
			blocks[3].PrevHash = blocks[2].Hash
			blocks[3].Mine(context.Background())
		}},
		{"genesis link", func(blocks []*Block) {
			blocks[0].PrevHash = []byte{1}
			blocks[0].Mine(context.Background())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := buildChain(t, 4, 0)
			tt.tamper(blocks)
			require.ErrorIs(t, ValidateChain(blocks), ErrInvalidChain)
		})
	}
}

func TestNewBlock_RejectsDifficultyAboveMax(t *testing.T) {
	for _, d := range []uint8{MaxDifficulty + 1, 33, 255} {
		_, err := NewBlock(context.Background(), 0, 1, nil, GenesisPrevHash(), d)
		require.ErrorIs(t, err, ErrDifficultyTooHigh)
	}
}

func TestBlockMine_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A maximum difficulty block almost never hits within the first
	// thousand nonces, so the cancelled context is observed.
	b := &Block{Index: 0, Timestamp: 1, PrevHash: GenesisPrevHash(), Difficulty: MaxDifficulty}
	done := make(chan error, 1)
	go func() { done <- b.Mine(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		} else {
			require.True(t, b.Validate())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("mining ignored the cancelled context")
	}
}
