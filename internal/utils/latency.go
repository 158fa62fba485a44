package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of recent durations per operation
// (ModelSolution, BuildRiskGrid, ...) and answers percentile queries.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples map[string][]time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker storing up to maxSize samples per operation.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize, samples: make(map[string][]time.Duration)}
}

// Observe records a duration for op and returns the number of samples now held for it.
func (l *LatencyTracker) Observe(op string, d time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := append(l.samples[op], d)
	if len(window) > l.maxSize {
		window = window[len(window)-l.maxSize:]
	}
	l.samples[op] = window
	return len(window)
}

// Percentile returns the p-th percentile (0-100) for op, or zero without samples.
func (l *LatencyTracker) Percentile(op string, p float64) time.Duration {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.samples[op]...)
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	return sorted[index]
}

// Count returns the number of samples held for op.
func (l *LatencyTracker) Count(op string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples[op])
}

// Operations lists the operations with at least one sample, sorted by name.
func (l *LatencyTracker) Operations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ops := make([]string, 0, len(l.samples))
	for op := range l.samples {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
