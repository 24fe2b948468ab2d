package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidential-choice/api"
	"confidential-choice/config"
	"confidential-choice/encryption"
	"confidential-choice/registry"
	"confidential-choice/storage"
)

func startRegistry(t *testing.T, cfg *config.Config) *registry.ChoiceRegistry {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	scheme := encryption.NewPaillierAdapter(256)
	require.NoError(t, scheme.Initialize())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cop, err := encryption.NewCoprocessor(encryption.CoprocessorConfig{
		ChainID:   cfg.ChainID,
		Scheme:    scheme,
		SignerKey: key,
		Store:     store,
	})
	require.NoError(t, err)

	ledger, err := registry.OpenLedger(ctx, store, storage.LedgerChain, 0, nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{
		Address:  cfg.RegistryAddress(),
		Store:    store,
		Verifier: cop,
		ACL:      cop,
		Ledger:   ledger,
	})
	require.NoError(t, err)

	srv, err := api.NewServer(api.Config{Registry: reg, Coprocessor: cop, ChainID: cfg.ChainID})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg.RPCEndpoint = ts.URL + "/rpc"
	return reg
}

func TestRun_ChooseRevealStatus(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.LogLevel = "error"
	reg := startRegistry(t, cfg)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := fmt.Sprintf("%x", crypto.FromECDSA(key))
	id := crypto.PubkeyToAddress(key.PublicKey)

	log := cfg.NewLogger()
	require.NoError(t, run(ctx, cfg, log, []string{"choose", hexKey, "4"}))
	require.NoError(t, run(ctx, cfg, log, []string{"choose", hexKey, "5"}))
	require.NoError(t, run(ctx, cfg, log, []string{"reveal", hexKey}))
	require.NoError(t, run(ctx, cfg, log, []string{"status", id.Hex()}))

	rec, err := reg.Record(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.HasSubmitted)
	assert.Equal(t, uint64(2), rec.Version)

	// below the default catalog minimum
	assert.Error(t, run(ctx, cfg, log, []string{"choose", hexKey, "0"}))
}

func TestRun_Simulate(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.MaxChoice = 10
	reg := startRegistry(t, cfg)

	require.NoError(t, run(context.Background(), cfg, cfg.NewLogger(), []string{"simulate", "4"}))

	records, err := reg.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 4)
	for _, rec := range records {
		assert.Equal(t, uint64(2), rec.Version)
	}
}

func TestRun_Usage(t *testing.T) {
	cfg := config.Default()
	log := cfg.NewLogger()
	ctx := context.Background()

	require.NoError(t, run(ctx, cfg, log, []string{"keygen"}))

	cfg.RPCEndpoint = "http://127.0.0.1:1/rpc"
	assert.Error(t, run(ctx, cfg, log, []string{"status", "0x01"}))
}
