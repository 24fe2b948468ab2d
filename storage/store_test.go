package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidential-choice/models"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	js, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	bs, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	return map[string]Backend{
		"memory": NewMemoryStore(),
		"json":   js,
		"badger": bs,
	}
}

func TestBackend_Records(t *testing.T) {
	ctx := context.Background()
	alice := common.HexToAddress("0xa11ce")
	bob := common.HexToAddress("0xb0b")

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.LoadRecord(ctx, alice)
			require.ErrorIs(t, err, models.ErrNotFound)

			rec := &models.ChoiceRecord{
				Identity:     alice,
				HasSubmitted: true,
				Handle:       models.BytesToHandle([]byte{1, 2, 3}),
				Version:      1,
				UpdatedAt:    42,
			}
			require.NoError(t, store.SaveRecord(ctx, rec))

			// mutating the caller's copy must not leak into the store
			rec.Version = 99

			got, err := store.LoadRecord(ctx, alice)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), got.Version)
			assert.Equal(t, models.BytesToHandle([]byte{1, 2, 3}), got.Handle)

			require.NoError(t, store.SaveRecord(ctx, &models.ChoiceRecord{Identity: bob}))
			got.Version = 2
			require.NoError(t, store.SaveRecord(ctx, got))

			all, err := store.ListRecords(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			byID := map[common.Address]*models.ChoiceRecord{}
			for _, r := range all {
				byID[r.Identity] = r
			}
			assert.Equal(t, uint64(2), byID[alice].Version)
			assert.False(t, byID[bob].HasSubmitted)
		})
	}
}

func TestBackend_Chain(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			blocks, err := store.LoadChain(ctx, LedgerChain)
			require.NoError(t, err)
			assert.Empty(t, blocks)

			prev := models.GenesisPrevHash()
			for i := 0; i < 3; i++ {
				b, err := models.NewBlock(ctx, uint64(i), int64(100+i), []byte(fmt.Sprintf("event-%d", i)), prev, 0)
				require.NoError(t, err)
				require.NoError(t, store.SaveBlock(ctx, LedgerChain, b))
				prev = b.Hash
			}

			blocks, err = store.LoadChain(ctx, LedgerChain)
			require.NoError(t, err)
			require.Len(t, blocks, 3)
			for i, b := range blocks {
				assert.Equal(t, uint64(i), b.Index)
			}
			require.NoError(t, models.ValidateChain(blocks))

			other, err := store.LoadChain(ctx, "other")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestBackend_CiphertextsAndGrants(t *testing.T) {
	ctx := context.Background()
	handle := models.BytesToHandle([]byte{0xaa, 0x04, 0x00})
	user := common.HexToAddress("0x01")
	registry := common.HexToAddress("0x02")

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetCiphertext(ctx, handle)
			require.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, store.PutCiphertext(ctx, handle, []byte("ciphertext")))
			ct, err := store.GetCiphertext(ctx, handle)
			require.NoError(t, err)
			assert.Equal(t, []byte("ciphertext"), ct)

			ok, err := store.IsGranted(ctx, handle, user)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Grant(ctx, handle, user))
			require.NoError(t, store.Grant(ctx, handle, user))

			ok, err = store.IsGranted(ctx, handle, user)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.IsGranted(ctx, handle, registry)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestJSONStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	alice := common.HexToAddress("0xa11ce")
	handle := models.BytesToHandle([]byte{7, 4, 0})

	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveRecord(ctx, &models.ChoiceRecord{Identity: alice, HasSubmitted: true, Handle: handle, Version: 1}))
	require.NoError(t, store.PutCiphertext(ctx, handle, []byte{1, 2}))
	require.NoError(t, store.Grant(ctx, handle, alice))
	genesis, err := models.NewBlock(ctx, 0, 1, []byte("x"), models.GenesisPrevHash(), 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveBlock(ctx, LedgerChain, genesis))

	reopened, err := NewJSONStore(dir)
	require.NoError(t, err)

	rec, err := reopened.LoadRecord(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, handle, rec.Handle)

	ct, err := reopened.GetCiphertext(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, ct)

	ok, err := reopened.IsGranted(ctx, handle, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	blocks, err := reopened.LoadChain(ctx, LedgerChain)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

func TestBadgerStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	alice := common.HexToAddress("0xa11ce")

	store, err := NewBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.SaveRecord(ctx, &models.ChoiceRecord{Identity: alice, HasSubmitted: true, Handle: models.BytesToHandle([]byte{1}), Version: 1}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.LoadRecord(ctx, alice)
	require.NoError(t, err)
	assert.True(t, rec.HasSubmitted)
}

func TestOpen(t *testing.T) {
	store, err := Open(Options{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(Options{Kind: "json", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, store)

	_, err = Open(Options{Kind: "postgres"})
	assert.Error(t, err)

	_, err = Open(Options{Kind: "etcd"})
	assert.Error(t, err)
}

func TestGormModels(t *testing.T) {
	rec := &models.ChoiceRecord{
		Identity:     common.HexToAddress("0xdead"),
		HasSubmitted: true,
		Handle:       models.BytesToHandle([]byte{9, 4, 0}),
		Version:      3,
		UpdatedAt:    1234,
	}
	assert.Equal(t, rec, recordModelFrom(rec).toRecord())

	unset := &models.ChoiceRecord{Identity: common.HexToAddress("0xbeef")}
	assert.Equal(t, unset, recordModelFrom(unset).toRecord())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("boom")))
}
