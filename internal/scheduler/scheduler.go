package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ExpireFunc is called once per deadline that passes without a Cancel.
// It runs on the scheduler goroutine and must not block for long.
type ExpireFunc func(msgID, agentID string)

// Scheduler tracks message deadlines. All methods are safe for concurrent
// use.
type Scheduler struct {
	mu   sync.Mutex
	h    deadlines
	byID map[string]*item

	// notify has capacity 1; a pending signal is enough to make the run
	// loop re-read the heap root.
	notify chan struct{}

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns an idle scheduler. Call Start to begin firing.
func New() *Scheduler {
	return &Scheduler{
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers msgID, queued for agentID, to expire at at.
// Rescheduling an ID replaces its previous deadline.
func (s *Scheduler) Schedule(msgID, agentID string, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[msgID]; ok {
		heap.Remove(&s.h, prev.idx)
	}
	it := &item{msgID: msgID, agentID: agentID, at: at}
	heap.Push(&s.h, it)
	s.byID[msgID] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel forgets msgID's deadline. Unknown IDs are ignored.
func (s *Scheduler) Cancel(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byID[msgID]; ok {
		heap.Remove(&s.h, it.idx)
		delete(s.byID, msgID)
	}
}

// Len returns the number of pending deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByAgent returns the number of pending deadlines for one agent.
func (s *Scheduler) CountByAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.byID {
		if it.agentID == agentID {
			n++
		}
	}
	return n
}

// Start launches the run loop. It must be called at most once.
func (s *Scheduler) Start(ctx context.Context, fn ExpireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fn)
}

// Stop ends the run loop and waits for it. Pending deadlines are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, fn ExpireFunc) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		due, wait := s.popDue(time.Now())
		for _, it := range due {
			fn(it.msgID, it.agentID)
		}

		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
		case <-fire:
		}
		if fire != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// popDue removes every item due at or before now and returns them, along
// with the wait until the next deadline (0 when the heap is empty).
func (s *Scheduler) popDue(now time.Time) ([]*item, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*item
	for s.h.Len() > 0 && !s.h[0].at.After(now) {
		it := heap.Pop(&s.h).(*item)
		delete(s.byID, it.msgID)
		due = append(due, it)
	}
	if s.h.Len() == 0 {
		return due, 0
	}
	return due, s.h[0].at.Sub(now)
}
