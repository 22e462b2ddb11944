package profiling

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/time/rate"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// PerformanceAlert records a threshold violation worth surfacing to
// operators.
type PerformanceAlert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	ErrorRate float64   `json:"error_rate,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// alertGate suppresses alert storms. A bloom filter deduplicates alerts per
// (type, operation) key within a rotation window, so high-cardinality
// operation names cannot grow memory, and a token bucket caps the overall
// alert rate.
type alertGate struct {
	mu          sync.Mutex
	filter      *bloom.BloomFilter
	windowStart time.Time
	window      time.Duration
	limiter     *rate.Limiter
}

const (
	alertDedupeKeys      = 100000
	alertDedupeFalseRate = 0.01
)

func newAlertGate(window time.Duration, perSecond float64, burst int) *alertGate {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &alertGate{
		filter:      bloom.NewWithEstimates(alertDedupeKeys, alertDedupeFalseRate),
		windowStart: time.Now(),
		window:      window,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// allow reports whether an alert for the given type and operation should be
// emitted now. Duplicates within the window and alerts beyond the rate
// budget are dropped.
func (g *alertGate) allow(alertType, operation string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.windowStart) > g.window {
		g.filter.ClearAll()
		g.windowStart = now
	}

	key := fmt.Sprintf("%s|%s", alertType, operation)
	if g.filter.TestAndAddString(key) {
		return false
	}

	return g.limiter.Allow()
}
