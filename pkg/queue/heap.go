package queue

import (
	"container/heap"
	"time"

	"github.com/hearthci/stoker/pkg/types"
)

// waitingHeap orders ready jobs by priority, then enqueue time, then
// id. The id tiebreak keeps pop order total so dispatch stays
// deterministic under equal timestamps.
type waitingHeap []*types.Job

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].ID < h[j].ID
}

func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x interface{}) { *h = append(*h, x.(*types.Job)) }

func (h *waitingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// delayedItem pairs a job with the instant it becomes ready.
type delayedItem struct {
	job     *types.Job
	readyAt time.Time
}

// delayedHeap orders delayed jobs by ready time.
type delayedHeap []delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].job.ID < h[j].job.ID
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(delayedItem)) }

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedItem{}
	*h = old[:n-1]
	return item
}

var (
	_ heap.Interface = (*waitingHeap)(nil)
	_ heap.Interface = (*delayedHeap)(nil)
)
