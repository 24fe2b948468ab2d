package service

import (
	"sort"
	"sync"
	"time"
)

// MetricsCollector tracks counts and timings per operation
type MetricsCollector struct {
	mu         sync.RWMutex
	operations map[string]*operationStats
}

type operationStats struct {
	startTime time.Time
	endTime   time.Time
	count     int
	failures  int
	inFlight  int
	totalTime time.Duration
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	InFlight       int       `json:"in_flight"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations, keyed by name
type MetricsResponse map[string]OperationMetrics

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{operations: make(map[string]*operationStats)}
}

func (mc *MetricsCollector) stats(op string) *operationStats {
	st, ok := mc.operations[op]
	if !ok {
		st = &operationStats{}
		mc.operations[op] = st
	}
	return st
}

// RecordStart marks the start of an operation
func (mc *MetricsCollector) RecordStart(op string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	st := mc.stats(op)
	if st.count == 0 {
		st.startTime = time.Now()
	}
	st.count++
	st.inFlight++
}

// RecordEnd marks the end of an operation
func (mc *MetricsCollector) RecordEnd(op string, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	st := mc.stats(op)
	st.endTime = time.Now()
	st.totalTime += duration
	if st.inFlight > 0 {
		st.inFlight--
	}
	if err != nil {
		st.failures++
	}
}

// Observe records a complete operation that started at start
func (mc *MetricsCollector) Observe(op string, start time.Time, err error) {
	mc.RecordStart(op)
	mc.RecordEnd(op, time.Since(start), err)
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	resp := make(MetricsResponse, len(mc.operations))
	for op, st := range mc.operations {
		resp[op] = OperationMetrics{
			StartTime:      st.startTime,
			EndTime:        st.endTime,
			Count:          st.count,
			Failures:       st.failures,
			InFlight:       st.inFlight,
			ProcessingTime: st.totalTime.Milliseconds(),
		}
	}
	return resp
}

// Operations returns the recorded operation names in order
func (mc *MetricsCollector) Operations() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	ops := make([]string, 0, len(mc.operations))
	for op := range mc.operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.operations = make(map[string]*operationStats)
}
