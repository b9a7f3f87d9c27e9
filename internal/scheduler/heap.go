// Package scheduler fires a callback when a queued message reaches its
// expiration, so expired messages are reclaimed even if nobody dequeues
// them. Deadlines sit in a min-heap; the run loop sleeps until the earliest
// one and is nudged awake when an earlier deadline is scheduled.
package scheduler

import "time"

type item struct {
	msgID   string
	agentID string
	at      time.Time
	idx     int
}

// deadlines is a min-heap on item.at.
type deadlines []*item

func (h deadlines) Len() int           { return len(h) }
func (h deadlines) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlines) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *deadlines) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *deadlines) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.idx = -1
	*h = old[:n-1]
	return it
}
