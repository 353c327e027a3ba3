package pipeline

import (
	"sync"
	"time"
)

// localQuota is the client-side fallback counter used when the rate-limit
// service is unreachable. Fixed window per sender.
type localQuota struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]int
	reset  time.Time
}

func newLocalQuota(limit int, window time.Duration) *localQuota {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &localQuota{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
	}
}

func (q *localQuota) allow(userID string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now.After(q.reset) {
		q.counts = make(map[string]int)
		q.reset = now.Add(q.window)
	}
	q.counts[userID]++
	return q.counts[userID] <= q.limit
}
