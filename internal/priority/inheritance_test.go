package priority_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sneh-joshi/agenthub/internal/priority"
)

func TestInheritance_RecordKeepsMaximum(t *testing.T) {
	in := priority.NewInheritance(priority.DefaultInheritanceConfig(), newFakeClock().Now)

	_, ok := in.Inherited("C")
	assert.False(t, ok)

	in.Record("C", 3)
	in.Record("C", 1)
	p, ok := in.Inherited("C")
	assert.True(t, ok)
	assert.Equal(t, 3, p)

	in.Record("C", 5)
	p, _ = in.Inherited("C")
	assert.Equal(t, 5, p)
}

func TestInheritance_ExpiresAfterTTL(t *testing.T) {
	clk := newFakeClock()
	in := priority.NewInheritance(priority.InheritanceConfig{TTL: time.Minute}, clk.Now)

	in.Record("C", 5)
	clk.Advance(59 * time.Second)
	_, ok := in.Inherited("C")
	assert.True(t, ok, "still within TTL")

	// A record refreshes the deadline.
	in.Record("C", 0)
	clk.Advance(59 * time.Second)
	p, ok := in.Inherited("C")
	assert.True(t, ok)
	assert.Equal(t, 5, p)

	clk.Advance(time.Second)
	_, ok = in.Inherited("C")
	assert.False(t, ok)
	assert.Zero(t, in.Len(), "expired entry removed on read")

	// After expiry the chain starts fresh.
	in.Record("C", 1)
	p, _ = in.Inherited("C")
	assert.Equal(t, 1, p)
}

func TestInheritance_Sweep(t *testing.T) {
	clk := newFakeClock()
	in := priority.NewInheritance(priority.InheritanceConfig{TTL: time.Minute, Shards: 4}, clk.Now)
	for i := 0; i < 10; i++ {
		in.Record(fmt.Sprintf("c-%d", i), i%6)
	}
	clk.Advance(30 * time.Second)
	in.Record("fresh", 2)
	clk.Advance(31 * time.Second)

	assert.Equal(t, 10, in.Sweep())
	assert.Equal(t, 1, in.Len())
}

func TestInheritance_StartStop(t *testing.T) {
	in := priority.NewInheritance(priority.InheritanceConfig{TTL: time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)
	in.Record("C", 4)
	in.Start(context.Background())

	assert.Eventually(t, func() bool { return in.Len() == 0 }, time.Second, 5*time.Millisecond)
	in.Stop()
	in.Stop()
}

func TestInheritance_StopWithoutStart(t *testing.T) {
	in := priority.NewInheritance(priority.DefaultInheritanceConfig(), nil)
	in.Stop()
}

func TestInheritance_Concurrent(t *testing.T) {
	in := priority.NewInheritance(priority.DefaultInheritanceConfig(), nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i <= 5; i++ {
				in.Record("shared", (i+w)%6)
				in.Record(fmt.Sprintf("own-%d", w), i)
			}
		}(w)
	}
	wg.Wait()

	p, ok := in.Inherited("shared")
	assert.True(t, ok)
	assert.Equal(t, 5, p)
}
