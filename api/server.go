package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"confidential-choice/encryption"
	"confidential-choice/models"
	"confidential-choice/registry"
	"confidential-choice/service"
)

type Config struct {
	Registry    *registry.ChoiceRegistry
	Coprocessor *encryption.Coprocessor
	ChainID     uint64
	Metrics     *service.MetricsCollector
	Logger      *logrus.Logger
}

// Server exposes the registry and the encryption capability over JSON-RPC
// at /rpc, with read-only REST views under /api.
type Server struct {
	registry    *registry.ChoiceRegistry
	coprocessor *encryption.Coprocessor
	chainID     uint64
	metrics     *service.MetricsCollector
	log         *logrus.Logger
	rpc         *rpc.Server
	router      chi.Router
	httpServer  *http.Server
	started     time.Time
}

type StatusResponse struct {
	Registry      common.Address        `json:"registry"`
	ChainID       uint64                `json:"chain_id"`
	Coprocessor   common.Address        `json:"coprocessor"`
	Scheme        encryption.SchemeInfo `json:"scheme"`
	Choices       int                   `json:"choices"`
	LedgerLength  int                   `json:"ledger_length"`
	LedgerValid   bool                  `json:"ledger_valid"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
}

type ChoiceResponse struct {
	Record  *models.ChoiceRecord `json:"record"`
	History []models.ChoiceEvent `json:"history"`
}

type LedgerResponse struct {
	Blocks   []*models.Block `json:"blocks"`
	Length   int             `json:"length"`
	IsValid  bool            `json:"is_valid"`
	LastHash string          `json:"last_hash"`
}

type ValidationResponse struct {
	Valid  bool   `json:"valid"`
	Length int    `json:"length"`
	Error  string `json:"error,omitempty"`
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Coprocessor == nil {
		return nil, errors.New("server requires a registry and a coprocessor")
	}
	if cfg.Registry.Ledger() == nil {
		return nil, errors.New("server requires a registry with a ledger")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = service.NewMetricsCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	s := &Server{
		registry:    cfg.Registry,
		coprocessor: cfg.Coprocessor,
		chainID:     cfg.ChainID,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		rpc:         rpc.NewServer(),
		started:     time.Now(),
	}

	choiceAPI := &ChoiceAPI{registry: cfg.Registry, chainID: cfg.ChainID, metrics: cfg.Metrics, log: cfg.Logger}
	if err := s.rpc.RegisterName("choice", choiceAPI); err != nil {
		return nil, fmt.Errorf("failed to register choice namespace: %w", err)
	}
	if err := s.rpc.RegisterName("fhe", &FHEAPI{coprocessor: cfg.Coprocessor}); err != nil {
		return nil, fmt.Errorf("failed to register fhe namespace: %w", err)
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/rpc", s.rpc)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/choices/{address}", s.handleGetChoice)
		api.Get("/ledger", s.handleGetLedger)
		api.Get("/ledger/validate", s.handleValidateLedger)
		api.Get("/metrics", s.handleMetrics)
	})
	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("server listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.rpc.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.Records(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	chosen := 0
	for _, rec := range records {
		if rec.HasSubmitted {
			chosen++
		}
	}

	ledger := s.registry.Ledger()
	writeJSON(w, http.StatusOK, StatusResponse{
		Registry:      s.registry.Address(),
		ChainID:       s.chainID,
		Coprocessor:   s.coprocessor.Address(),
		Scheme:        s.coprocessor.Scheme(),
		Choices:       chosen,
		LedgerLength:  ledger.Len(),
		LedgerValid:   ledger.Validate() == nil,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleGetChoice(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "Invalid address", http.StatusBadRequest)
		return
	}
	id := common.HexToAddress(raw)

	rec, err := s.registry.Record(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.registry.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChoiceResponse{Record: rec, History: history})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	ledger := s.registry.Ledger()
	blocks := ledger.Blocks()

	resp := LedgerResponse{
		Blocks:  blocks,
		Length:  len(blocks),
		IsValid: models.ValidateChain(blocks) == nil,
	}
	if len(blocks) > 0 {
		resp.LastHash = fmt.Sprintf("%x", blocks[len(blocks)-1].Hash)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidateLedger(w http.ResponseWriter, r *http.Request) {
	ledger := s.registry.Ledger()
	resp := ValidationResponse{Valid: true, Length: ledger.Len()}
	if err := ledger.Validate(); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		s.log.WithError(err).Error("ledger validation failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
