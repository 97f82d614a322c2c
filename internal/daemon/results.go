package daemon

import (
	"sync"

	"github.com/rescale/thumblink/internal/thumbnailer"
)

// result is a request outcome reported by the thumbnailer, waiting to be
// recorded. failure is nil for a Finished report.
type result struct {
	request uint32
	failure *thumbnailer.RequestError
}

// resultQueue hands thumbnailer outcomes from the signal routing goroutine to
// the daemon. Unlike the event bus it never drops: pushes only append.
type resultQueue struct {
	mu    sync.Mutex
	items []result
	wake  chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{wake: make(chan struct{}, 1)}
}

func (q *resultQueue) push(r result) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued, oldest first.
func (q *resultQueue) take() []result {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
