package models

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChoiceRecord is the registry's per-identity state.
type ChoiceRecord struct {
	Identity     common.Address `json:"identity"`
	HasSubmitted bool           `json:"has_submitted"`
	Handle       Handle         `json:"handle"`
	Version      uint64         `json:"version"`    // 0 before the first submit, +1 per write
	UpdatedAt    int64          `json:"updated_at"` // unix millis
}

// NewChoiceRecord returns the Unset record for an identity.
func NewChoiceRecord(identity common.Address) *ChoiceRecord {
	return &ChoiceRecord{Identity: identity}
}

// Consistent reports whether HasSubmitted agrees with the stored handle.
func (r *ChoiceRecord) Consistent() bool {
	return r.HasSubmitted == !r.Handle.IsEmpty()
}

// Clone returns a copy safe to hand out to callers.
func (r *ChoiceRecord) Clone() *ChoiceRecord {
	c := *r
	return &c
}

// EncryptedInput is a handle together with its proof of well-formedness.
type EncryptedInput struct {
	Handle Handle        `json:"handle"`
	Proof  hexutil.Bytes `json:"proof"`
}

// OperationKind identifies a registry mutation.
type OperationKind uint8

const (
	OpSubmit OperationKind = iota + 1
	OpUpdate
)

func (k OperationKind) String() string {
	switch k {
	case OpSubmit:
		return "submit"
	case OpUpdate:
		return "update"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Method returns the registry method name used on the wire for the kind.
func (k OperationKind) Method() string {
	switch k {
	case OpSubmit:
		return "makeChoice"
	case OpUpdate:
		return "changeChoice"
	default:
		return ""
	}
}

func (k OperationKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *OperationKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "submit":
		*k = OpSubmit
	case "update":
		*k = OpUpdate
	default:
		return fmt.Errorf("unknown operation kind %q", s)
	}
	return nil
}

// Call is a registry mutation as carried by the remote transport. Nonce must
// equal the identity's current record version.
type Call struct {
	Kind      OperationKind  `json:"kind"`
	Registry  common.Address `json:"registry"`
	Identity  common.Address `json:"identity"`
	Handle    Handle         `json:"handle"`
	Proof     hexutil.Bytes  `json:"proof"`
	Nonce     hexutil.Uint64 `json:"nonce"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

// Receipt describes a committed registry write.
type Receipt struct {
	EventID    string         `json:"event_id"`
	Kind       OperationKind  `json:"kind"`
	Identity   common.Address `json:"identity"`
	Handle     Handle         `json:"handle"`
	Version    hexutil.Uint64 `json:"version"`
	BlockIndex hexutil.Uint64 `json:"block_index"`
}

// ChoiceEvent is the ledger payload for a committed write.
type ChoiceEvent struct {
	ID        string         `json:"id"`
	Kind      OperationKind  `json:"kind"`
	Registry  common.Address `json:"registry"`
	Identity  common.Address `json:"identity"`
	Handle    Handle         `json:"handle"`
	Version   uint64         `json:"version"`
	Timestamp int64          `json:"timestamp"`
}
