package scheduler

import (
	"container/heap"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

// scoredJob pairs a pending job with the score it was assigned at the
// start of the current scheduling tick.
type scoredJob struct {
	job   *models.Job
	score float64
}

// jobHeap is a max-heap over scoredJob.score, rebuilt fresh each scheduling
// tick so that every job's wait-bonus term reflects current time; mutating
// a long-lived heap in place would require re-sifting every pending job on
// every tick anyway, so there is no correctness advantage to retaining one
// between ticks.
type jobHeap []scoredJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].score > h[j].score } // max-heap
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(scoredJob)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// newJobHeap builds a ready-to-pop max-heap from a set of scored jobs.
func newJobHeap(jobs []scoredJob) *jobHeap {
	h := jobHeap(jobs)
	heap.Init(&h)
	return &h
}
