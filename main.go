package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"confidential-choice/api"
	"confidential-choice/config"
	"confidential-choice/encryption"
	"confidential-choice/registry"
	"confidential-choice/service"
	"confidential-choice/storage"
)

const snapshotInterval = 5 * time.Minute

// daemon owns the registry, the coprocessor and the server in front of them.
type daemon struct {
	cfg         *config.Config
	log         *logrus.Logger
	store       storage.Backend
	snapshots   *storage.SnapshotStore
	coprocessor *encryption.Coprocessor
	registry    *registry.ChoiceRegistry
	server      *api.Server
}

func main() {
	cfg, _, err := config.Parse("choice-registry", os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	log := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize registry: %v", err)
	}
	go d.startPeriodicSnapshot(ctx, snapshotInterval)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	serverChan := make(chan error, 1)
	go func() {
		serverChan <- d.server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-serverChan:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	case sig := <-sigChan:
		log.Infof("Received signal: %v", sig)
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := d.close(shutdownCtx); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}
	log.Info("Server shutdown completed")
}

func setupStorageDirectory(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return err
	}

	subdirs := []string{"db", "keys", "snapshots"}
	for _, dir := range subdirs {
		path := filepath.Join(baseDir, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return err
		}
	}

	return nil
}

func newDaemon(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*daemon, error) {
	baseDir, err := filepath.Abs(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	if err := setupStorageDirectory(baseDir); err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	store, err := storage.Open(storage.Options{
		Kind:        cfg.Backend,
		Dir:         filepath.Join(baseDir, "db"),
		PostgresDSN: cfg.PostgresDSN,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	d, err := buildDaemon(ctx, cfg, log, store, baseDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func buildDaemon(ctx context.Context, cfg *config.Config, log *logrus.Logger, store storage.Backend, baseDir string) (*daemon, error) {
	signerKey, scheme, err := encryption.LoadOrGenerateKeys(filepath.Join(baseDir, "keys"), cfg.PaillierBits)
	if err != nil {
		return nil, err
	}
	coprocessor, err := encryption.NewCoprocessor(encryption.CoprocessorConfig{
		ChainID:   cfg.ChainID,
		Scheme:    scheme,
		SignerKey: signerKey,
		Store:     store,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	snapshots, err := storage.NewSnapshotStore(filepath.Join(baseDir, "snapshots"), cfg.SnapshotKeep, log)
	if err != nil {
		return nil, err
	}

	ledger, err := registry.OpenLedger(ctx, store, storage.LedgerChain, uint8(cfg.Difficulty), log)
	if err != nil {
		return nil, err
	}
	checkAgainstSnapshot(ledger, snapshots, log)

	reg, err := registry.New(registry.Config{
		Address:  cfg.RegistryAddress(),
		Store:    store,
		Verifier: coprocessor,
		ACL:      coprocessor,
		Ledger:   ledger,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	server, err := api.NewServer(api.Config{
		Registry:    reg,
		Coprocessor: coprocessor,
		ChainID:     cfg.ChainID,
		Metrics:     service.NewMetricsCollector(),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	info := coprocessor.Scheme()
	log.WithFields(logrus.Fields{
		"registry":         reg.Address().Hex(),
		"coprocessor":      coprocessor.Address().Hex(),
		"scheme":           info.Name,
		"key_size":         info.KeySize,
		"security_bits":    info.SecurityBits,
		"ciphertext_bytes": info.CiphertextBytes,
		"backend":          cfg.Backend,
		"chain_id":         cfg.ChainID,
	}).Info("registry initialized")

	return &daemon{
		cfg:         cfg,
		log:         log,
		store:       store,
		snapshots:   snapshots,
		coprocessor: coprocessor,
		registry:    reg,
		server:      server,
	}, nil
}

// checkAgainstSnapshot warns when the stored ledger is behind the newest
// snapshot, which happens after restarting a memory backend.
func checkAgainstSnapshot(ledger *registry.Ledger, snapshots *storage.SnapshotStore, log *logrus.Logger) {
	latest, err := snapshots.LoadLatest(storage.LedgerChain)
	if err != nil {
		log.Warnf("Failed to load ledger snapshot: %v", err)
		return
	}
	if len(latest) > ledger.Len() {
		log.WithFields(logrus.Fields{
			"ledger":   ledger.Len(),
			"snapshot": len(latest),
		}).Warn("ledger is shorter than its last snapshot")
	}
}

func (d *daemon) startPeriodicSnapshot(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.snapshot()
		}
	}
}

func (d *daemon) snapshot() {
	blocks := d.registry.Ledger().Blocks()
	if len(blocks) == 0 {
		return
	}
	path, err := d.snapshots.Save(storage.LedgerChain, blocks)
	if err != nil {
		d.log.Errorf("Failed to save ledger snapshot: %v", err)
		return
	}
	d.log.WithField("path", path).Debug("ledger snapshot saved")
}

func (d *daemon) close(ctx context.Context) error {
	d.snapshot()
	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
