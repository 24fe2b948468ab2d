package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_EmptyAndHex(t *testing.T) {
	assert.True(t, EmptyHandle.IsEmpty())
	assert.Equal(t, "0x"+fmt.Sprintf("%064x", 0), EmptyHandle.Hex())

	h := BytesToHandle([]byte{0xab, 0x04, 0x00})
	assert.False(t, h.IsEmpty())
	assert.Equal(t, uint8(0x04), h.Type())
	assert.Equal(t, uint8(0x00), h.Version())

	parsed, err := HexToHandle(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = HexToHandle("0x1234")
	assert.Error(t, err)
}

func TestHandle_JSONField(t *testing.T) {
	rec := ChoiceRecord{Identity: common.HexToAddress("0x01"), HasSubmitted: true, Handle: BytesToHandle([]byte{9})}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"handle":"`+rec.Handle.Hex()+`"`)

	var back ChoiceRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec, back)
}

func TestChoiceRecord_Consistent(t *testing.T) {
	rec := NewChoiceRecord(common.HexToAddress("0x02"))
	assert.True(t, rec.Consistent())

	rec.HasSubmitted = true
	assert.False(t, rec.Consistent())

	rec.Handle = BytesToHandle([]byte{1})
	assert.True(t, rec.Consistent())
}

func TestOperationKind_JSON(t *testing.T) {
	data, err := json.Marshal(OpUpdate)
	require.NoError(t, err)
	assert.Equal(t, `"update"`, string(data))

	var k OperationKind
	require.NoError(t, json.Unmarshal([]byte(`"submit"`), &k))
	assert.Equal(t, OpSubmit, k)
	assert.Equal(t, "makeChoice", k.Method())

	assert.Error(t, json.Unmarshal([]byte(`"revoke"`), &k))
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", ErrAlreadySubmitted)
	assert.Equal(t, CodeAlreadySubmitted, ErrorCode(wrapped))
	assert.Equal(t, ErrAlreadySubmitted, ErrorForCode(CodeAlreadySubmitted))
	assert.Equal(t, CodeInternal, ErrorCode(fmt.Errorf("boom")))
	assert.Nil(t, ErrorForCode(CodeInternal))

	assert.True(t, Retryable(&StepError{Phase: PhaseDecrypt, Err: ErrDecryptionUnavailable}))
	assert.False(t, Retryable(ErrDecryptionDenied))
	assert.False(t, Retryable(ErrInvalidProof))
}

func TestStepError(t *testing.T) {
	err := &StepError{Phase: PhaseUpdate, Err: ErrNoPriorChoice}
	assert.ErrorIs(t, err, ErrNoPriorChoice)
	assert.Equal(t, "update: no previous choice found", err.Error())

	phase, ok := PhaseOf(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	assert.Equal(t, PhaseUpdate, phase)

	_, ok = PhaseOf(ErrNoPriorChoice)
	assert.False(t, ok)
}

func TestDecryptionPermit_Window(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	reg := common.HexToAddress("0xaa")
	p := &DecryptionPermit{
		Registries:     []common.Address{reg},
		StartTimestamp: 1_700_000_000,
		DurationDays:   1,
	}

	assert.True(t, p.ValidAt(start))
	assert.True(t, p.ValidAt(start.Add(23*time.Hour)))
	assert.False(t, p.ValidAt(start.Add(24*time.Hour)))
	assert.False(t, p.ValidAt(start.Add(-time.Second)))
	assert.True(t, p.Covers(reg))
	assert.False(t, p.Covers(common.HexToAddress("0xbb")))
}
