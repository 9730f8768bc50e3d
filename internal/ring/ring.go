// Package ring implements the weighted virtual-node consistent hash ring
// that maps row keys to shard ids.
//
// A Ring is immutable once built. Topology changes (shard added, removed,
// deactivated, reweighted) are handled by building a new Ring from the
// current membership and atomically swapping the pointer the readers use,
// so lookups never observe a partially built ring.
package ring

import (
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/shardkeeper/shardkeeper/internal/errors"
)

// DefaultVirtualNodes is the number of ring points per unit of shard weight.
const DefaultVirtualNodes = 150

// Member describes one shard participating in the ring.
type Member struct {
	ID     string
	Weight int
}

// entry is a single virtual-node point on the ring.
type entry struct {
	hash    uint32
	shardID string
}

// Ring is a sorted mapping from 32-bit hash values to shard ids.
type Ring struct {
	entries []entry
	members []string // distinct shard ids, sorted
}

// Hash computes the ring position for a key.
func Hash(key string) uint32 {
	return murmur3.Sum32([]byte(key))
}

// Build constructs a ring from the given members. Each member contributes
// weight × virtualNodes points, keyed by hash("<id>:<i>"). A zero or
// negative virtualNodes falls back to DefaultVirtualNodes; members with
// non-positive weight are treated as weight 1.
func Build(members []Member, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	ids := make([]string, 0, len(members))
	var entries []entry
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		weight := m.Weight
		if weight <= 0 {
			weight = 1
		}
		ids = append(ids, m.ID)
		points := weight * virtualNodes
		for i := 0; i < points; i++ {
			entries = append(entries, entry{
				hash:    Hash(fmt.Sprintf("%s:%d", m.ID, i)),
				shardID: m.ID,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hash != entries[j].hash {
			return entries[i].hash < entries[j].hash
		}
		// Hash collisions between points of different shards are resolved
		// by shard id so that Build is deterministic.
		return entries[i].shardID < entries[j].shardID
	})
	sort.Strings(ids)

	return &Ring{entries: entries, members: ids}
}

// Lookup returns the shard id owning the given key: the entry with the
// smallest ring hash >= hash(key), wrapping to the first entry when none
// is larger.
func (r *Ring) Lookup(key string) (string, error) {
	if len(r.entries) == 0 {
		return "", errors.NewNoShardsAvailable()
	}
	idx := r.search(Hash(key))
	return r.entries[idx].shardID, nil
}

// LookupSkipping resolves the key's owning shard, then walks forward on the
// ring (wrapping once) past any shard the predicate rejects. It fails with
// NO_SHARDS_AVAILABLE when no admitted shard exists.
func (r *Ring) LookupSkipping(key string, active func(shardID string) bool) (string, error) {
	if len(r.entries) == 0 {
		return "", errors.NewNoShardsAvailable()
	}
	start := r.search(Hash(key))
	for i := 0; i < len(r.entries); i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if active == nil || active(e.shardID) {
			return e.shardID, nil
		}
	}
	return "", errors.NewNoShardsAvailable()
}

// ReplicasFor returns up to count distinct shard ids encountered walking
// forward on the ring from the primary's first point, excluding the primary
// itself and any shard rejected by the predicate. Fewer than count ids are
// returned when the ring does not hold enough distinct eligible shards.
func (r *Ring) ReplicasFor(primary string, count int, active func(shardID string) bool) []string {
	if count <= 0 || len(r.entries) == 0 {
		return nil
	}

	start := -1
	for i, e := range r.entries {
		if e.shardID == primary {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	replicas := make([]string, 0, count)
	seen := map[string]bool{primary: true}
	for i := 1; i < len(r.entries) && len(replicas) < count; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if seen[e.shardID] {
			continue
		}
		seen[e.shardID] = true
		if active != nil && !active(e.shardID) {
			continue
		}
		replicas = append(replicas, e.shardID)
	}
	return replicas
}

// search finds the index of the first entry with hash >= h, wrapping to 0.
func (r *Ring) search(h uint32) int {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= h
	})
	if idx == len(r.entries) {
		return 0
	}
	return idx
}

// Size returns the number of distinct shard members on the ring.
func (r *Ring) Size() int {
	return len(r.members)
}

// PointCount returns the total number of virtual-node points.
func (r *Ring) PointCount() int {
	return len(r.entries)
}

// Members returns the distinct shard ids on the ring, sorted.
func (r *Ring) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Contains reports whether the shard id has points on the ring.
func (r *Ring) Contains(shardID string) bool {
	i := sort.SearchStrings(r.members, shardID)
	return i < len(r.members) && r.members[i] == shardID
}
