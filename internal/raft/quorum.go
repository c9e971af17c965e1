package raft

import "sort"

// Majority returns the quorum size for a cluster of n members. The same
// arithmetic backs both vote counting and commit advancement.
func Majority(n int) int {
	return n/2 + 1
}

// QuorumMatchIndex returns the highest index that at least a majority of the
// given match positions have reached: sort ascending and take the element
// with Majority(n) members at or above it.
func QuorumMatchIndex(matches []uint64) uint64 {
	if len(matches) == 0 {
		return 0
	}
	sorted := make([]uint64, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}
