package foreman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedRafts(n int) ([]string, [][]string) {
	rafts := make([]string, n)
	ccds := make([][]string, n)
	for i := 0; i < n; i++ {
		rafts[i] = string(rune('A' + i))
		ccds[i] = []string{"00", "01"}
	}
	return rafts, ccds
}

func TestDivideWork(t *testing.T) {
	tests := []struct {
		name       string
		forwarders []string
		numRafts   int
		wantRafts  [][]int // raft counts per forwarder
	}{
		{
			name:       "single forwarder owns everything",
			forwarders: []string{"f1"},
			numRafts:   21,
			wantRafts:  [][]int{{21}},
		},
		{
			name:       "more forwarders than rafts",
			forwarders: []string{"f1", "f2", "f3", "f4"},
			numRafts:   2,
			wantRafts:  [][]int{{1}, {1}},
		},
		{
			name:       "even split",
			forwarders: []string{"f1", "f2", "f3"},
			numRafts:   9,
			wantRafts:  [][]int{{3}, {3}, {3}},
		},
		{
			name:       "first forwarder takes the remainder",
			forwarders: []string{"f1", "f2"},
			numRafts:   21,
			wantRafts:  [][]int{{11}, {10}},
		},
		{
			name:       "remainder with three forwarders",
			forwarders: []string{"f1", "f2", "f3"},
			numRafts:   8,
			wantRafts:  [][]int{{4}, {2}, {2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rafts, ccds := namedRafts(tt.numRafts)
			sched := DivideWork(tt.forwarders, rafts, ccds)

			require.Len(t, sched.Forwarders, len(tt.wantRafts))
			require.Len(t, sched.RaftLists, len(tt.wantRafts))
			require.Len(t, sched.CCDLists, len(tt.wantRafts))

			// contiguous coverage, in order, with no raft shared
			var flat []string
			for i, want := range tt.wantRafts {
				assert.Equal(t, tt.forwarders[i], sched.Forwarders[i])
				assert.Len(t, sched.RaftLists[i], want[0])
				assert.Len(t, sched.CCDLists[i], want[0])
				flat = append(flat, sched.RaftLists[i]...)
			}
			assert.Equal(t, rafts, flat)
		})
	}
}

func TestDivideWorkDegenerate(t *testing.T) {
	rafts, ccds := namedRafts(3)

	assert.Empty(t, DivideWork(nil, rafts, ccds).Forwarders)
	assert.Empty(t, DivideWork([]string{"f1"}, nil, nil).Forwarders)
}
