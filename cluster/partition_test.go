package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	ranges := Partition(20, 8)
	assert.Equal(t, []Range{
		{ID: 1, First: 0, Last: 7},
		{ID: 2, First: 8, Last: 15},
		{ID: 3, First: 16, Last: 19},
	}, ranges)
	assert.Equal(t, 4, ranges[2].Size())
}

func TestPartitionCoversEveryShardOnce(t *testing.T) {
	for _, tc := range []struct{ total, per int }{{1, 8}, {8, 8}, {9, 8}, {100, 7}, {3, 1}} {
		seen := make(map[int]int)
		for _, r := range Partition(tc.total, tc.per) {
			assert.LessOrEqual(t, r.Size(), tc.per)
			for id := r.First; id <= r.Last; id++ {
				seen[id]++
			}
		}
		assert.Len(t, seen, tc.total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "shard %d", id)
		}
	}
}

func TestPartitionEmpty(t *testing.T) {
	assert.Nil(t, Partition(0, 8))
	assert.Nil(t, Partition(10, 0))
}

func TestRangeContains(t *testing.T) {
	r := Range{ID: 2, First: 8, Last: 15}
	assert.True(t, r.Contains(8))
	assert.True(t, r.Contains(15))
	assert.False(t, r.Contains(16))
	assert.False(t, r.Contains(7))
	assert.Equal(t, "cluster 2 (shards 8-15)", r.String())
}
