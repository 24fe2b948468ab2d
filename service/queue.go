package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// QueueProcessor handles the asynchronous processing of choices and reveals
// for many identities.
type QueueProcessor struct {
	service         *ChoiceService
	workers         int
	choiceCh        chan *ChoiceRequest
	revealCh        chan *RevealRequest
	processingWg    sync.WaitGroup
	shutdownCh      chan struct{}
	processingDelay time.Duration // For benchmarking purposes
	log             *logrus.Logger
}

// ChoiceRequest represents a queued submit-or-update request
type ChoiceRequest struct {
	Identity common.Address
	Value    uint64
	ResultCh chan<- *ProcessingResult
}

// RevealRequest represents a queued reveal request
type RevealRequest struct {
	Identity common.Address
	ResultCh chan<- *ProcessingResult
}

// ProcessingResult contains the result of an asynchronous operation
type ProcessingResult struct {
	Success      bool
	Identity     common.Address
	Value        uint64
	Err          error
	ErrorMessage string
	Timestamp    int64
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(service *ChoiceService, workers, queueSize int, processingDelay time.Duration) *QueueProcessor {
	if workers < 1 {
		workers = 1
	}
	return &QueueProcessor{
		service:         service,
		workers:         workers,
		choiceCh:        make(chan *ChoiceRequest, queueSize),
		revealCh:        make(chan *RevealRequest, queueSize),
		shutdownCh:      make(chan struct{}),
		processingDelay: processingDelay,
		log:             service.log,
	}
}

// Start begins processing queued requests
func (qp *QueueProcessor) Start(ctx context.Context) {
	for i := 0; i < qp.workers; i++ {
		qp.processingWg.Add(1)
		go qp.worker(ctx)
	}
}

// Stop gracefully shuts down the queue processor
func (qp *QueueProcessor) Stop() {
	close(qp.shutdownCh)
	qp.processingWg.Wait()
}

// QueueChoice adds a choice request to the processing queue
func (qp *QueueProcessor) QueueChoice(id common.Address, value uint64) <-chan *ProcessingResult {
	resultCh := make(chan *ProcessingResult, 1)
	select {
	case qp.choiceCh <- &ChoiceRequest{Identity: id, Value: value, ResultCh: resultCh}:
		return resultCh
	default:
		// Queue is full, return immediate error
		qp.log.WithField("identity", id.Hex()).Warn("choice queue is full")
		resultCh <- &ProcessingResult{Identity: id, ErrorMessage: "choice queue is full"}
		close(resultCh)
		return resultCh
	}
}

// QueueReveal adds a reveal request to the processing queue
func (qp *QueueProcessor) QueueReveal(id common.Address) <-chan *ProcessingResult {
	resultCh := make(chan *ProcessingResult, 1)
	select {
	case qp.revealCh <- &RevealRequest{Identity: id, ResultCh: resultCh}:
		return resultCh
	default:
		qp.log.WithField("identity", id.Hex()).Warn("reveal queue is full")
		resultCh <- &ProcessingResult{Identity: id, ErrorMessage: "reveal queue is full"}
		close(resultCh)
		return resultCh
	}
}

func (qp *QueueProcessor) worker(ctx context.Context) {
	defer qp.processingWg.Done()

	for {
		select {
		case <-qp.shutdownCh:
			return
		case <-ctx.Done():
			return
		case req := <-qp.choiceCh:
			qp.delay()
			err := qp.service.SubmitOrUpdateChoice(ctx, req.Identity, req.Value)
			req.ResultCh <- newResult(req.Identity, req.Value, err)
			close(req.ResultCh)
		case req := <-qp.revealCh:
			qp.delay()
			value, err := qp.service.RevealMyChoice(ctx, req.Identity)
			req.ResultCh <- newResult(req.Identity, value, err)
			close(req.ResultCh)
		}
	}
}

func (qp *QueueProcessor) delay() {
	// Add artificial delay for benchmarking if needed
	if qp.processingDelay > 0 {
		time.Sleep(qp.processingDelay)
	}
}

func newResult(id common.Address, value uint64, err error) *ProcessingResult {
	res := &ProcessingResult{
		Success:   err == nil,
		Identity:  id,
		Value:     value,
		Err:       err,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		res.ErrorMessage = err.Error()
	}
	return res
}

// BatchQueueChoices adds one choice request per identity
func (qp *QueueProcessor) BatchQueueChoices(choices map[common.Address]uint64) []<-chan *ProcessingResult {
	resultChannels := make([]<-chan *ProcessingResult, 0, len(choices))
	for id, value := range choices {
		resultChannels = append(resultChannels, qp.QueueChoice(id, value))
	}
	return resultChannels
}
