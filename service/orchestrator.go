package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"confidential-choice/encryption"
	"confidential-choice/models"
)

// Registry is the choice registry as seen by a client, either in process or
// over RPC.
type Registry interface {
	Address() common.Address
	HasChosen(ctx context.Context, id common.Address) (bool, error)
	ViewChoice(ctx context.Context, id common.Address) (models.Handle, error)
	Submit(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error
	Update(ctx context.Context, id common.Address, handle models.Handle, proof []byte) error
}

// Config holds the dependencies of a ChoiceService.
type Config struct {
	Registry  Registry
	Encrypter encryption.Encrypter
	Decrypter encryption.Decrypter
	// Keyring signs decryption permits for the identities served.
	Keyring *encryption.Keyring
	ChainID uint64

	// Accepted choice values. MaxChoice 0 means the domain maximum.
	MinChoice uint64
	MaxChoice uint64

	PermitDuration time.Duration
	Metrics        *MetricsCollector
	Logger         *logrus.Logger
	Now            func() time.Time
}

// Status is the presentation state of one identity.
type Status struct {
	Identity   common.Address `json:"identity"`
	Handle     models.Handle  `json:"handle"`
	HasChoice  bool           `json:"has_choice"`
	Processing bool           `json:"processing"`
	Message    string         `json:"message"`
}

type identityState struct {
	handle     models.Handle
	known      bool
	processing bool
	message    string
}

// ChoiceService drives encrypt, submit or update, and reveal for the
// identities held in its keyring.
type ChoiceService struct {
	registry  Registry
	encrypter encryption.Encrypter
	decrypter encryption.Decrypter
	permits   *PermitStore
	metrics   *MetricsCollector
	log       *logrus.Logger
	minChoice uint64
	maxChoice uint64

	mu     sync.Mutex
	states map[common.Address]*identityState

	cacheMu sync.RWMutex
	cache   map[models.Handle]uint64
}

// NewChoiceService creates a new ChoiceService over the configured registry,
// encrypter, decrypter and keyring.
func NewChoiceService(cfg Config) (*ChoiceService, error) {
	if cfg.Registry == nil {
		return nil, errors.New("choice service requires a registry")
	}
	if cfg.Encrypter == nil || cfg.Decrypter == nil {
		return nil, errors.New("choice service requires encryption and decryption capabilities")
	}
	if cfg.Keyring == nil {
		cfg.Keyring = encryption.NewKeyring()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricsCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	domain, err := encryption.DomainFor(models.OpSubmit)
	if err != nil {
		return nil, err
	}
	if cfg.MaxChoice == 0 || cfg.MaxChoice > domain.Max() {
		cfg.MaxChoice = domain.Max()
	}
	if cfg.MinChoice > cfg.MaxChoice {
		return nil, fmt.Errorf("min choice %d exceeds max choice %d", cfg.MinChoice, cfg.MaxChoice)
	}

	registries := []common.Address{cfg.Registry.Address()}
	return &ChoiceService{
		registry:  cfg.Registry,
		encrypter: cfg.Encrypter,
		decrypter: cfg.Decrypter,
		permits:   NewPermitStore(cfg.Keyring, registries, cfg.ChainID, cfg.PermitDuration, cfg.Now),
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		minChoice: cfg.MinChoice,
		maxChoice: cfg.MaxChoice,
		states:    make(map[common.Address]*identityState),
		cache:     make(map[models.Handle]uint64),
	}, nil
}

// Metrics returns the collector the service records into.
func (s *ChoiceService) Metrics() *MetricsCollector {
	return s.metrics
}

// Permits returns the per-identity permit cache.
func (s *ChoiceService) Permits() *PermitStore {
	return s.permits
}

// state returns the identity's entry; s.mu must be held.
func (s *ChoiceService) state(id common.Address) *identityState {
	st, ok := s.states[id]
	if !ok {
		st = &identityState{}
		s.states[id] = st
	}
	return st
}

func (s *ChoiceService) setMessage(id common.Address, msg string) {
	s.mu.Lock()
	s.state(id).message = msg
	s.mu.Unlock()
}

// acquire marks id as processing; false if it already is.
func (s *ChoiceService) acquire(id common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if st.processing {
		return false
	}
	st.processing = true
	return true
}

func (s *ChoiceService) release(id common.Address) {
	s.mu.Lock()
	s.state(id).processing = false
	s.mu.Unlock()
}

// observe records the live handle and evicts the cached value of a handle
// it superseded.
func (s *ChoiceService) observe(id common.Address, h models.Handle) {
	s.mu.Lock()
	st := s.state(id)
	prev, known := st.handle, st.known
	st.handle, st.known = h, true
	s.mu.Unlock()

	if known && prev != h && !prev.IsEmpty() {
		s.cacheMu.Lock()
		delete(s.cache, prev)
		s.cacheMu.Unlock()
	}
}

// Status returns the presentation state of id.
func (s *ChoiceService) Status(id common.Address) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	return Status{
		Identity:   id,
		Handle:     st.handle,
		HasChoice:  !st.handle.IsEmpty(),
		Processing: st.processing,
		Message:    st.message,
	}
}

// CurrentHandle reads the live handle of id from the registry.
func (s *ChoiceService) CurrentHandle(ctx context.Context, id common.Address) (models.Handle, error) {
	h, err := s.registry.ViewChoice(ctx, id)
	if err != nil {
		return models.EmptyHandle, &models.StepError{Phase: models.PhaseResolve, Err: err}
	}
	s.observe(id, h)
	return h, nil
}

// SubmitOrUpdateChoice encrypts value for id and submits it, or updates the
// existing choice when one is stored.
func (s *ChoiceService) SubmitOrUpdateChoice(ctx context.Context, id common.Address, value uint64) error {
	if value < s.minChoice || value > s.maxChoice {
		return &models.StepError{
			Phase: models.PhaseValidate,
			Err:   fmt.Errorf("%w: %d not in [%d, %d]", models.ErrInvalidChoice, value, s.minChoice, s.maxChoice),
		}
	}
	if !s.acquire(id) {
		return &models.StepError{Phase: models.PhaseValidate, Err: models.ErrOperationInProgress}
	}
	defer s.release(id)

	start := time.Now()
	logger := s.log.WithFields(logrus.Fields{"identity": id.Hex(), "value": value})

	op := "choose"
	fail := func(phase models.Phase, err error) error {
		stepErr := &models.StepError{Phase: phase, Err: err}
		s.setMessage(id, fmt.Sprintf("Choice submission failed: %v", err))
		s.metrics.Observe(op, start, stepErr)
		logger.WithField("phase", phase).WithError(err).Warn("choice operation failed")
		return stepErr
	}

	// 1. Resolve the operation from the live handle
	current, err := s.CurrentHandle(ctx, id)
	if err != nil {
		return fail(models.PhaseResolve, errors.Unwrap(err))
	}
	kind := models.OpSubmit
	if !current.IsEmpty() {
		kind = models.OpUpdate
	}
	op = kind.String()
	domain, err := encryption.DomainFor(kind)
	if err != nil {
		return fail(models.PhaseResolve, err)
	}

	if kind == models.OpSubmit {
		s.setMessage(id, fmt.Sprintf("Encrypting choice #%d...", value))
	} else {
		s.setMessage(id, fmt.Sprintf("Updating choice #%d...", value))
	}

	// 2. Encrypt for this identity and registry
	input, err := s.encrypter.Encrypt(ctx, value, id, s.registry.Address(), domain)
	if err != nil {
		if !errors.Is(err, models.ErrEncryptionFailed) {
			err = fmt.Errorf("%w: %v", models.ErrEncryptionFailed, err)
		}
		return fail(models.PhaseEncrypt, err)
	}

	// 3. Submit or update
	s.setMessage(id, "Waiting for transaction...")
	if kind == models.OpSubmit {
		if err := s.registry.Submit(ctx, id, input.Handle, input.Proof); err != nil {
			return fail(models.PhaseSubmit, err)
		}
	} else {
		if err := s.registry.Update(ctx, id, input.Handle, input.Proof); err != nil {
			return fail(models.PhaseUpdate, err)
		}
	}

	// 4. Refresh the live handle
	if _, err := s.CurrentHandle(ctx, id); err != nil {
		return fail(models.PhaseRefresh, errors.Unwrap(err))
	}

	verb := "submitted"
	if kind == models.OpUpdate {
		verb = "updated"
	}
	s.setMessage(id, fmt.Sprintf("Choice(%d) %s successfully!", value, verb))
	s.metrics.Observe(op, start, nil)
	logger.WithFields(logrus.Fields{"op": op, "handle": input.Handle.Hex()}).Info("choice committed")
	return nil
}

// RevealMyChoice returns the plaintext of id's live handle.
func (s *ChoiceService) RevealMyChoice(ctx context.Context, id common.Address) (uint64, error) {
	start := time.Now()
	value, err := s.reveal(ctx, id)
	s.metrics.Observe("reveal", start, err)
	return value, err
}

func (s *ChoiceService) reveal(ctx context.Context, id common.Address) (uint64, error) {
	h, err := s.CurrentHandle(ctx, id)
	if err != nil {
		return 0, err
	}
	if h.IsEmpty() {
		return 0, &models.StepError{Phase: models.PhaseResolve, Err: models.ErrNoStoredChoice}
	}

	s.cacheMu.RLock()
	v, ok := s.cache[h]
	s.cacheMu.RUnlock()
	if ok {
		return v, nil
	}

	permit, key, err := s.permits.Get(id)
	if err != nil {
		// No usable signer or permit for id means decryption is refused.
		return 0, &models.StepError{Phase: models.PhaseAuthorize, Err: fmt.Errorf("%w: %w", models.ErrDecryptionDenied, err)}
	}

	out, err := s.decrypter.UserDecrypt(ctx, &models.UserDecryptRequest{
		Handle:   h,
		Registry: s.registry.Address(),
		Permit:   permit,
	})
	if err != nil {
		if errors.Is(err, models.ErrDecryptionDenied) {
			s.permits.Invalidate(id)
		} else if !errors.Is(err, models.ErrDecryptionUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)
		}
		s.log.WithFields(logrus.Fields{"identity": id.Hex(), "handle": h.Hex()}).WithError(err).Warn("decryption failed")
		return 0, &models.StepError{Phase: models.PhaseDecrypt, Err: err}
	}

	v, err = encryption.OpenReencrypted(key, out)
	if err != nil {
		return 0, &models.StepError{Phase: models.PhaseDecrypt, Err: fmt.Errorf("%w: %v", models.ErrDecryptionUnavailable, err)}
	}

	s.cacheMu.Lock()
	s.cache[h] = v
	s.cacheMu.Unlock()

	s.setMessage(id, fmt.Sprintf("Choice #%d revealed", v))
	return v, nil
}

// Cached returns the cached plaintext of h, if any.
func (s *ChoiceService) Cached(h models.Handle) (uint64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	v, ok := s.cache[h]
	return v, ok
}
