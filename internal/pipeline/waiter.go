package pipeline

import (
	"sync"
)

// Waiter hands review decisions to runs blocked in a review-wait step. Each
// active run registers one channel per project; the review service calls
// Signal when a decision lands so the wait wakes immediately instead of at the
// next poll tick.
type Waiter struct {
	mu    sync.Mutex
	waits map[string]chan struct{}
}

func NewWaiter() *Waiter {
	return &Waiter{waits: map[string]chan struct{}{}}
}

// Signal wakes the run waiting on projectID, if any. Never blocks.
func (w *Waiter) Signal(projectID string) {
	w.mu.Lock()
	ch := w.waits[projectID]
	w.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (w *Waiter) register(projectID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{}, 1)
	w.waits[projectID] = ch
	return ch
}

func (w *Waiter) release(projectID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waits, projectID)
}
