package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/agenthub/internal/queue"
	"github.com/sneh-joshi/agenthub/internal/types"
)

func TestManager_GetOrCreateReturnsSameQueue(t *testing.T) {
	m := queue.NewManager(queue.DefaultConfig())

	var wg sync.WaitGroup
	got := make([]*queue.Queue, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.GetOrCreate("agent")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("GetOrCreate returned different queues for the same agent")
		}
	}
	if ids := m.List(); len(ids) != 1 || ids[0] != "agent" {
		t.Fatalf("List: %v", ids)
	}
}

type forgetfulSelector struct {
	queue.StrictPriority
	forgot []string
}

func (f *forgetfulSelector) Forget(agentID string) { f.forgot = append(f.forgot, agentID) }

func TestManager_DeleteIdle(t *testing.T) {
	sel := &forgetfulSelector{}
	m := queue.NewManager(queue.DefaultConfig(), queue.WithSelector(sel))
	if _, ok := m.Get("ghost"); ok {
		t.Fatal("Get on unknown agent should report false")
	}
	if m.DeleteIdle("ghost") {
		t.Fatal("DeleteIdle on unknown agent: want false")
	}

	q := m.GetOrCreate("a")
	mustEnqueue(t, q, newMsg(t, 3))
	if m.DeleteIdle("a") {
		t.Fatal("DeleteIdle with a queued message: want false")
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("Dequeue: want the queued message")
	}
	if !m.DeleteIdle("a") {
		t.Fatal("DeleteIdle on an empty queue: want true")
	}
	if m.DeleteIdle("a") {
		t.Fatal("second DeleteIdle: want false")
	}
	if len(sel.forgot) != 1 || sel.forgot[0] != "a" {
		t.Fatalf("selector Forget calls: %v", sel.forgot)
	}
	if ids := m.List(); len(ids) != 0 {
		t.Fatalf("List after DeleteIdle: %v", ids)
	}

	if err := q.Enqueue(newMsg(t, 3)); !errors.Is(err, queue.ErrRetired) {
		t.Fatalf("Enqueue on retired queue: want ErrRetired, got %v", err)
	}
	if fresh := m.GetOrCreate("a"); fresh == q {
		t.Fatal("GetOrCreate after DeleteIdle returned the retired queue")
	}
}

func TestManager_DeleteIdleWakesWaiter(t *testing.T) {
	m := queue.NewManager(queue.DefaultConfig())
	q := m.GetOrCreate("a")

	done := make(chan bool, 1)
	go func() {
		_, ok := q.DequeueWait(context.Background(), 5*time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	if !m.DeleteIdle("a") {
		t.Fatal("DeleteIdle: want true")
	}

	select {
	case ok := <-done:
		if ok {
			t.Fatal("DequeueWait on a retired queue returned a message")
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueWait did not return after the queue was retired")
	}
}

func TestManager_Snapshots(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	m := queue.NewManager(queue.DefaultConfig(), queue.WithClock(func() time.Time { return clock }))

	a := m.GetOrCreate("a")
	b := m.GetOrCreate("b")
	mustEnqueue(t, a, newMsg(t, 5))
	mustEnqueue(t, a, newMsg(t, 0))
	clock = now.Add(3 * time.Second)
	mustEnqueue(t, b, newMsg(t, 2))
	clock = now.Add(5 * time.Second)

	snaps := m.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("want 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].AgentID != "a" || snaps[0].Depth != 2 || snaps[0].Bands[5] != 1 || snaps[0].Bands[0] != 1 {
		t.Errorf("unexpected snapshot for a: %+v", snaps[0])
	}
	if snaps[0].OldestAge != 5*time.Second {
		t.Errorf("oldest age for a: want 5s, got %v", snaps[0].OldestAge)
	}
	if snaps[1].AgentID != "b" || snaps[1].OldestAge != 2*time.Second {
		t.Errorf("unexpected snapshot for b: %+v", snaps[1])
	}
}

func TestManager_Expire(t *testing.T) {
	var reasons []types.Reason
	m := queue.NewManager(queue.DefaultConfig(), queue.WithHooks(queue.Hooks{
		OnDrop: func(_ string, _ *types.Message, r types.Reason) { reasons = append(reasons, r) },
	}))
	q := m.GetOrCreate("a")
	msg := newMsg(t, 3)
	mustEnqueue(t, q, msg)

	m.Expire(msg.ID, "a")
	m.Expire(msg.ID, "a")
	m.Expire("whatever", "unknown-agent")

	if q.Len() != 0 {
		t.Fatalf("Len: want 0, got %d", q.Len())
	}
	if len(reasons) != 1 || reasons[0] != types.ReasonExpired {
		t.Fatalf("want one expired drop, got %v", reasons)
	}
}
