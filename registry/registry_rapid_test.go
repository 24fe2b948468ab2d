package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"

	"confidential-choice/models"
	"confidential-choice/storage"
)

// registryStateMachine checks the registry against a map model.
type registryStateMachine struct {
	registry   *ChoiceRegistry
	identities []common.Address
	model      map[common.Address]models.Handle
	versions   map[common.Address]uint64
	next       byte
}

func (m *registryStateMachine) Init(t *rapid.T) {
	r, err := New(Config{
		Address:  registryAddr,
		Store:    storage.NewMemoryStore(),
		Verifier: stubVerifier{},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m.registry = r
	m.identities = []common.Address{
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
		common.HexToAddress("0x03"),
	}
	m.model = make(map[common.Address]models.Handle)
	m.versions = make(map[common.Address]uint64)
}

func (m *registryStateMachine) freshHandle() models.Handle {
	m.next++
	return models.BytesToHandle([]byte{m.next, 1, 4, 0})
}

func (m *registryStateMachine) Submit(t *rapid.T) {
	id := rapid.SampledFrom(m.identities).Draw(t, "identity")
	h := m.freshHandle()

	err := m.registry.Submit(context.Background(), id, h, nil)
	if _, chosen := m.model[id]; chosen {
		if !errors.Is(err, models.ErrAlreadySubmitted) {
			t.Fatalf("resubmit by %s: got %v, want ErrAlreadySubmitted", id.Hex(), err)
		}
		return
	}
	if err != nil {
		t.Fatalf("submit by %s: %v", id.Hex(), err)
	}
	m.model[id] = h
	m.versions[id]++
}

func (m *registryStateMachine) Update(t *rapid.T) {
	id := rapid.SampledFrom(m.identities).Draw(t, "identity")
	h := m.freshHandle()

	err := m.registry.Update(context.Background(), id, h, nil)
	if _, chosen := m.model[id]; !chosen {
		if !errors.Is(err, models.ErrNoPriorChoice) {
			t.Fatalf("update by %s without submit: got %v, want ErrNoPriorChoice", id.Hex(), err)
		}
		return
	}
	if err != nil {
		t.Fatalf("update by %s: %v", id.Hex(), err)
	}
	m.model[id] = h
	m.versions[id]++
}

func (m *registryStateMachine) Check(t *rapid.T) {
	ctx := context.Background()
	for _, id := range m.identities {
		rec, err := m.registry.Record(ctx, id)
		if err != nil {
			t.Fatalf("record %s: %v", id.Hex(), err)
		}
		if !rec.Consistent() {
			t.Fatalf("record %s inconsistent: %+v", id.Hex(), rec)
		}
		want, chosen := m.model[id]
		if rec.HasSubmitted != chosen {
			t.Fatalf("hasChosen(%s) = %v, want %v", id.Hex(), rec.HasSubmitted, chosen)
		}
		if rec.Handle != want {
			t.Fatalf("viewChoice(%s) = %s, want %s", id.Hex(), rec.Handle, want)
		}
		if rec.Version != m.versions[id] {
			t.Fatalf("version(%s) = %d, want %d", id.Hex(), rec.Version, m.versions[id])
		}
	}
}

func TestRegistryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &registryStateMachine{}
		m.Init(t)
		t.Repeat(map[string]func(*rapid.T){
			"submit": m.Submit,
			"update": m.Update,
			"":       m.Check,
		})
	})
}
