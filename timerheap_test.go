package mainloop

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerHeap_Order(t *testing.T) {
	base := time.Now()
	mk := func(offset time.Duration, seq uint64) *Source {
		s := NewTimerSource(offset, false, noop)
		s.deadline = base.Add(offset)
		s.seq = seq
		return s
	}

	var h timerHeap
	c := mk(30*time.Millisecond, 1)
	a := mk(10*time.Millisecond, 3)
	b2 := mk(20*time.Millisecond, 5)
	b1 := mk(20*time.Millisecond, 4)
	for _, s := range []*Source{c, a, b2, b1} {
		heap.Push(&h, s)
	}

	for i, s := range h {
		assert.Equal(t, i, s.heapIndex)
	}

	var got []*Source
	for h.Len() > 0 {
		s := heap.Pop(&h).(*Source)
		assert.Equal(t, -1, s.heapIndex)
		got = append(got, s)
	}
	assert.Equal(t, []*Source{a, b1, b2, c}, got)
}

func TestTimerHeap_RemoveMaintainsIndex(t *testing.T) {
	base := time.Now()
	var h timerHeap
	var all []*Source
	for i := range 8 {
		s := NewTimerSource(0, false, noop)
		s.deadline = base.Add(time.Duration(8-i) * time.Millisecond)
		s.seq = uint64(i)
		heap.Push(&h, s)
		all = append(all, s)
	}

	heap.Remove(&h, all[3].heapIndex)
	all[3].heapIndex = -1
	require.Equal(t, 7, h.Len())

	for i, s := range h {
		assert.Equal(t, i, s.heapIndex)
	}
	assert.Same(t, all[7], h[0])
}
