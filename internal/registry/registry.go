// Package registry holds the authoritative shard set: every registered
// shard with its adapter handle, weight, and active flag, plus the
// table → shard-key mapping and the cluster replication factor.
//
// The registry is the only shared mutable structure besides the current
// ring. All reads hand out copies; internal pointers never escape.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// Shard represents one physical backend participating in the cluster.
type Shard struct {
	ID      string
	Adapter adapter.Adapter
	Config  config.ShardConfig // immutable after creation
	Weight  int

	active          bool
	draining        bool
	lastHealthCheck time.Time
}

// ShardInfo is a point-in-time copy of a shard's registry state.
type ShardInfo struct {
	ID              string
	Kind            string
	Weight          int
	Active          bool
	Draining        bool
	LastHealthCheck time.Time
}

// Registry is the authoritative set of shards and routing rules.
type Registry struct {
	mu                sync.RWMutex
	shards            map[string]*Shard
	shardKeys         map[string]types.ShardKey
	replicationFactor int
}

// New creates an empty registry with replication factor 1.
func New() *Registry {
	return &Registry{
		shards:            make(map[string]*Shard),
		shardKeys:         make(map[string]types.ShardKey),
		replicationFactor: 1,
	}
}

// Add inserts a new shard as active. The adapter must already be connected.
func (r *Registry) Add(id string, ad adapter.Adapter, cfg config.ShardConfig, weight int) error {
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.shards[id]; exists {
		return errors.NewDuplicateShard(id)
	}
	r.shards[id] = &Shard{
		ID:      id,
		Adapter: ad,
		Config:  cfg,
		Weight:  weight,
		active:  true,
	}
	return nil
}

// Remove deletes a shard entry and returns its adapter for the caller to
// close. The caller is responsible for migrating data first.
func (r *Registry) Remove(id string) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	if !ok {
		return nil, errors.NewShardNotFound(id)
	}
	delete(r.shards, id)
	return s.Adapter, nil
}

// Get returns the adapter and weight for a shard id.
func (r *Registry) Get(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	if !ok {
		return nil, false
	}
	return s.Adapter, true
}

// Has reports whether a shard id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shards[id]
	return ok
}

// SetActive updates a shard's active flag and health-check timestamp.
// Returns true when the flag actually changed. Unknown ids are ignored
// (the shard may have been removed between probe and report). A draining
// shard cannot be reactivated: a healthy probe landing mid-removal must
// not put the shard back in the write path while its data is leaving.
func (r *Registry) SetActive(id string, active bool) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	if !ok {
		return false
	}
	if active && s.draining {
		s.lastHealthCheck = time.Now()
		return false
	}
	changed = s.active != active
	s.active = active
	s.lastHealthCheck = time.Now()
	return changed
}

// SetDraining marks a shard as leaving the cluster. A draining shard is
// excluded from routing and stays excluded until it is removed, no matter
// what the health monitor reports. Returns false for unknown ids.
func (r *Registry) SetDraining(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	if !ok {
		return false
	}
	s.draining = true
	s.active = false
	return true
}

// IsDraining reports whether the shard exists and is mid-removal.
func (r *Registry) IsDraining(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return ok && s.draining
}

// IsActive reports whether the shard exists and is active.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return ok && s.active
}

// Snapshot returns a copy of every shard's registry state, sorted by id.
func (r *Registry) Snapshot() []ShardInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardInfo, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, ShardInfo{
			ID:              s.ID,
			Kind:            s.Adapter.Kind(),
			Weight:          s.Weight,
			Active:          s.active,
			Draining:        s.draining,
			LastHealthCheck: s.lastHealthCheck,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveMembers returns ring members for every active shard, sorted by id.
func (r *Registry) ActiveMembers() []ring.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ring.Member, 0, len(r.shards))
	for _, s := range r.shards {
		if s.active {
			out = append(out, ring.Member{ID: s.ID, Weight: s.Weight})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AdaptersByID returns the adapters of every active shard keyed by id.
func (r *Registry) AdaptersByID() map[string]adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]adapter.Adapter, len(r.shards))
	for id, s := range r.shards {
		if s.active {
			out[id] = s.Adapter
		}
	}
	return out
}

// AllAdapters returns every registered adapter keyed by id, active or not.
func (r *Registry) AllAdapters() map[string]adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]adapter.Adapter, len(r.shards))
	for id, s := range r.shards {
		out[id] = s.Adapter
	}
	return out
}

// SetShardKey registers or overwrites the routing rule for a table.
func (r *Registry) SetShardKey(table, column, algorithm string) {
	if algorithm == "" {
		algorithm = types.AlgorithmConsistentHash
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shardKeys[table] = types.ShardKey{Table: table, Column: column, Algorithm: algorithm}
}

// ShardKeyFor returns the routing rule for a table.
func (r *Registry) ShardKeyFor(table string) (types.ShardKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.shardKeys[table]
	return k, ok
}

// Tables returns every table with a registered shard key, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.shardKeys))
	for t := range r.shardKeys {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SetReplicationFactor updates the cluster-wide replication factor.
func (r *Registry) SetReplicationFactor(n int) error {
	if n < 1 {
		return errors.NewInvalidArgument("replication factor must be >= 1")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicationFactor = n
	return nil
}

// ReplicationFactor returns the cluster-wide replication factor.
func (r *Registry) ReplicationFactor() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replicationFactor
}

// Counts returns (total, active) shard counts.
func (r *Registry) Counts() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.shards)
	for _, s := range r.shards {
		if s.active {
			active++
		}
	}
	return total, active
}
