// Package health provides the periodic shard health monitor.
//
// The monitor is the only component that toggles shard active flags in
// steady state. A failed or timed-out probe deactivates a shard so new
// traffic stops targeting it; a later successful probe reactivates it.
// Probe failures are logged, never surfaced to routing callers.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/registry"
)

// Config holds health monitor configuration.
type Config struct {
	// Interval is how often every registered shard is probed.
	Interval time.Duration

	// ProbeTimeout bounds a single health probe. A timed-out probe is
	// treated identically to a failed one.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default health monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Monitor probes every registered shard on a fixed interval.
type Monitor struct {
	config   Config
	registry *registry.Registry
	onChange func() // invoked when any shard's active flag changed

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a health monitor. onChange is invoked after a probe
// pass whenever at least one shard's active flag changed; the coordinator
// uses it to rebuild the hash ring.
func NewMonitor(config Config, reg *registry.Registry, onChange func()) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Monitor{
		config:   config,
		registry: reg,
		onChange: onChange,
	}
}

// Start begins the probe loop. It runs until the context is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop gracefully stops the monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	<-m.done
	m.running = false
}

// run is the main probe loop.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	// Probe immediately on start
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs a single probe pass over every registered shard,
// active or not, and reports whether any active flag changed. Probes fan
// out concurrently, each bounded by the probe timeout.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	adapters := m.registry.AllAdapters()
	if len(adapters) == 0 {
		return false
	}

	type probe struct {
		shardID string
		healthy bool
	}
	results := make(chan probe, len(adapters))

	var wg sync.WaitGroup
	for id, ad := range adapters {
		wg.Add(1)
		go func(shardID string, ad adapter.Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
			defer cancel()

			healthy, err := ad.HealthCheck(probeCtx)
			if err != nil {
				log.Printf("health: probe failed for shard %s: %v", shardID, err)
				healthy = false
			}
			results <- probe{shardID: shardID, healthy: healthy}
		}(id, ad)
	}
	wg.Wait()
	close(results)

	anyChanged := false
	for p := range results {
		if m.registry.SetActive(p.shardID, p.healthy) {
			anyChanged = true
			if p.healthy {
				log.Printf("health: shard %s recovered, marked active", p.shardID)
			} else {
				log.Printf("health: shard %s unhealthy, marked inactive", p.shardID)
			}
		}
	}

	if anyChanged && m.onChange != nil {
		m.onChange()
	}
	return anyChanged
}
