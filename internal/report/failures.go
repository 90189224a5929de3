package report

import "sync"

// FailureLog keeps the last N unsuccessful results for the status endpoint
type FailureLog struct {
	samples []*Result
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	return &FailureLog{
		samples: make([]*Result, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record stores r if it did not succeed
func (l *FailureLog) Record(r *Result) {
	if r == nil || r.Succeeded() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) >= l.maxSize {
		l.samples = l.samples[1:]
	}
	l.samples = append(l.samples, r)
}

// Recent returns up to n results, newest first
func (l *FailureLog) Recent(n int) []*Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.samples) {
		n = len(l.samples)
	}
	out := make([]*Result, 0, n)
	for i := len(l.samples) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.samples[i])
	}
	return out
}

// Count returns the number of stored failures
func (l *FailureLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}
