package types

// Sharding algorithms. Consistent hashing is the only implemented strategy;
// the field exists so range or directory based strategies can be added
// without changing the ShardKey shape.
const (
	AlgorithmConsistentHash = "consistent_hash"
)

// ShardKey is the per-table routing rule: which column of a row is hashed
// to pick the owning shard.
type ShardKey struct {
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
}
