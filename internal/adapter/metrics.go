package adapter

import (
	"sync"
	"time"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// metricsRecorder accumulates per-adapter call statistics. All adapter
// implementations embed one and wrap each backend call in record().
type metricsRecorder struct {
	mu         sync.Mutex
	connected  bool
	queryCount int64
	errorCount int64
	totalTime  time.Duration
	lastError  string
}

// record times fn and folds the outcome into the counters.
func (m *metricsRecorder) record(fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	m.mu.Lock()
	m.queryCount++
	m.totalTime += elapsed
	if err != nil {
		m.errorCount++
		m.lastError = err.Error()
	}
	m.mu.Unlock()
	return err
}

func (m *metricsRecorder) setConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func (m *metricsRecorder) snapshot() types.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.queryCount > 0 {
		avg = m.totalTime / time.Duration(m.queryCount)
	}
	var conns int64
	if m.connected {
		conns = 1
	}
	return types.Metrics{
		ActiveConnections: conns,
		QueryCount:        m.queryCount,
		ErrorCount:        m.errorCount,
		AvgQueryTime:      avg,
		LastError:         m.lastError,
	}
}
