package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMajority(t *testing.T) {
	rq := require.New(t)

	rq.Equal(1, Majority(1))
	rq.Equal(2, Majority(2))
	rq.Equal(2, Majority(3))
	rq.Equal(3, Majority(4))
	rq.Equal(3, Majority(5))
	rq.Equal(4, Majority(7))
}

func TestQuorumMatchIndex(t *testing.T) {
	cases := []struct {
		name    string
		matches []uint64
		want    uint64
	}{
		{"empty", nil, 0},
		{"single member", []uint64{7}, 7},
		{"three all equal", []uint64{5, 5, 5}, 5},
		{"three, one behind", []uint64{1, 0, 1}, 1},
		{"three all zero", []uint64{0, 0, 0}, 0},
		{"three spread", []uint64{1, 4, 9}, 4},
		{"two members", []uint64{3, 5}, 3},
		{"four members", []uint64{1, 2, 3, 4}, 2},
		{"five members", []uint64{9, 1, 5, 3, 7}, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, QuorumMatchIndex(tc.matches))
		})
	}
}

func TestQuorumMatchIndex_DoesNotMutateInput(t *testing.T) {
	rq := require.New(t)

	matches := []uint64{9, 1, 5}
	QuorumMatchIndex(matches)
	rq.Equal([]uint64{9, 1, 5}, matches)
}
