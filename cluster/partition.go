package cluster

import "fmt"

// Range is a contiguous, inclusive span of shard ids owned by one cluster.
type Range struct {
	ID    int `json:"id"` // 1-based cluster index
	First int `json:"first_shard"`
	Last  int `json:"last_shard"`
}

func (r Range) Contains(shardID int) bool {
	return shardID >= r.First && shardID <= r.Last
}

func (r Range) Size() int {
	return r.Last - r.First + 1
}

func (r Range) String() string {
	return fmt.Sprintf("cluster %d (shards %d-%d)", r.ID, r.First, r.Last)
}

// Partition splits [0, total) into chunks of perCluster shards. The last
// chunk holds the remainder. Clusters are numbered from 1.
func Partition(total, perCluster int) []Range {
	if total <= 0 || perCluster <= 0 {
		return nil
	}
	ranges := make([]Range, 0, (total+perCluster-1)/perCluster)
	for first := 0; first < total; first += perCluster {
		last := min(first+perCluster, total) - 1
		ranges = append(ranges, Range{ID: len(ranges) + 1, First: first, Last: last})
	}
	return ranges
}
