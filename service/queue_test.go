package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidential-choice/models"
)

func TestQueueProcessor(t *testing.T) {
	ctx := context.Background()
	st := newStack(t)

	choices := make(map[common.Address]uint64)
	for i := 0; i < 5; i++ {
		choices[st.identity(t)] = uint64(20 + i)
	}

	qp := NewQueueProcessor(st.svc, 3, 10, 0)
	qp.Start(ctx)
	defer qp.Stop()

	for _, ch := range qp.BatchQueueChoices(choices) {
		res := <-ch
		require.True(t, res.Success, res.ErrorMessage)
	}

	for id, want := range choices {
		res := <-qp.QueueReveal(id)
		require.True(t, res.Success, res.ErrorMessage)
		assert.Equal(t, want, res.Value)
	}

	res := <-qp.QueueReveal(common.HexToAddress("0x0dd"))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, models.ErrNoStoredChoice)
}

func TestQueueProcessor_Full(t *testing.T) {
	st := newStack(t)
	qp := NewQueueProcessor(st.svc, 1, 0, 0)

	// not started and unbuffered: every request is rejected immediately
	res := <-qp.QueueChoice(common.HexToAddress("0x01"), 1)
	assert.False(t, res.Success)
	assert.Equal(t, "choice queue is full", res.ErrorMessage)

	res = <-qp.QueueReveal(common.HexToAddress("0x01"))
	assert.False(t, res.Success)
}
