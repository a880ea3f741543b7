package admission

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestAcquire_GrantsWithinCapacity(t *testing.T) {
	c := New(Limits{GlobalScope(): 2}, nil)
	ctx := context.Background()

	t1, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, time.Second)
	require.NoError(t, err)
	t2, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, c.InUse(GlobalScope()))

	t1.Release()
	t1.Release()
	assert.Equal(t, 1, c.InUse(GlobalScope()))
	t2.Release()
	assert.Equal(t, 0, c.InUse(GlobalScope()))
}

func TestAcquire_RejectsAfterTimeout(t *testing.T) {
	c := New(Limits{BackendScope("a"): 1}, nil)
	held, err := c.Acquire(context.Background(), Request{Scopes: []Scope{BackendScope("a")}}, 0)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = c.Acquire(context.Background(), Request{Scopes: []Scope{BackendScope("a")}}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, c.Waiting(BackendScope("a")))
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	c := New(Limits{GlobalScope(): 1}, nil)
	held, err := c.Acquire(context.Background(), Request{Holder: "doc-1/OCR", Scopes: []Scope{GlobalScope()}}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, Request{Holder: "doc-2/OCR", Scopes: []Scope{GlobalScope()}}, 0)
		done <- err
	}()
	waitFor(t, func() bool { return c.Waiting(GlobalScope()) == 1 })
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.Waiting(GlobalScope()))

	held.Release()
	assert.Equal(t, 0, c.InUse(GlobalScope()))

	// The cancelled holder may ask again.
	tk, err := c.Acquire(context.Background(), Request{Holder: "doc-2/OCR", Scopes: []Scope{GlobalScope()}}, time.Second)
	require.NoError(t, err)
	tk.Release()
}

func TestAcquire_DuplicateHolder(t *testing.T) {
	c := New(nil, nil)
	tk, err := c.Acquire(context.Background(), Request{Holder: "doc-1/OCR"}, 0)
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), Request{Holder: "doc-1/OCR"}, 0)
	assert.ErrorIs(t, err, ErrDuplicateHolder)

	tk.Release()
	tk, err = c.Acquire(context.Background(), Request{Holder: "doc-1/OCR"}, 0)
	require.NoError(t, err)
	tk.Release()
}

func TestAcquire_GlobalCeilingOneOrdersGrants(t *testing.T) {
	c := New(Limits{GlobalScope(): 1}, nil)
	ctx := context.Background()
	req := func(doc string) Request {
		return Request{Holder: doc + "/OCR", Scopes: []Scope{GlobalScope(), BackendScope("a")}}
	}

	first, err := c.Acquire(ctx, req("doc-1"), 0)
	require.NoError(t, err)

	secondCh := make(chan *Ticket, 1)
	go func() {
		tk, err := c.Acquire(ctx, req("doc-2"), 0)
		assert.NoError(t, err)
		secondCh <- tk
	}()
	waitFor(t, func() bool { return c.Waiting(GlobalScope()) == 1 })

	select {
	case <-secondCh:
		t.Fatal("second acquisition granted while the first ticket is held")
	case <-time.After(20 * time.Millisecond):
	}

	time.Sleep(time.Millisecond)
	releasedAt := time.Now()
	first.Release()
	second := <-secondCh
	defer second.Release()

	assert.False(t, second.GrantedAt().Before(releasedAt))
	assert.True(t, second.GrantedAt().After(first.GrantedAt()))
}

func TestAcquire_FIFOWithinScope(t *testing.T) {
	c := New(Limits{GlobalScope(): 1}, nil)
	ctx := context.Background()
	held, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, 0)
	require.NoError(t, err)

	const n = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := c.Acquire(ctx, Request{Holder: fmt.Sprint(i), Scopes: []Scope{GlobalScope()}}, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tk.Release()
		}(i)
		// Enqueue one at a time so request order is known.
		waitFor(t, func() bool { return c.Waiting(GlobalScope()) == i+1 })
	}

	held.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquire_LaterRequestPassesWhenScopeHasRoom(t *testing.T) {
	c := New(Limits{GlobalScope(): 2, BackendScope("a"): 1}, nil)
	ctx := context.Background()

	onA, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope(), BackendScope("a")}}, 0)
	require.NoError(t, err)

	// Blocked on backend a, queued on global.
	blocked := make(chan *Ticket, 1)
	go func() {
		tk, _ := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope(), BackendScope("a")}}, 0)
		blocked <- tk
	}()
	waitFor(t, func() bool { return c.Waiting(BackendScope("a")) == 1 })

	// Global has 1 in use and 1 waiting: no room for a third request.
	_, err = c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope(), BackendScope("b")}}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)

	c.SetLimits(Limits{GlobalScope(): 3, BackendScope("a"): 1})
	onB, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope(), BackendScope("b")}}, time.Second)
	require.NoError(t, err)

	onA.Release()
	(<-blocked).Release()
	onB.Release()
	assert.Equal(t, 0, c.InUse(GlobalScope()))
}

func TestSetLimits_RaisingCeilingWakesWaiters(t *testing.T) {
	c := New(Limits{ClassScope("vertex"): 1}, nil)
	ctx := context.Background()
	held, err := c.Acquire(ctx, Request{Scopes: []Scope{ClassScope("vertex")}}, 0)
	require.NoError(t, err)

	got := make(chan *Ticket, 1)
	go func() {
		tk, _ := c.Acquire(ctx, Request{Scopes: []Scope{ClassScope("vertex")}}, 0)
		got <- tk
	}()
	waitFor(t, func() bool { return c.Waiting(ClassScope("vertex")) == 1 })

	c.SetLimits(Limits{ClassScope("vertex"): 2})
	tk := <-got
	assert.Equal(t, 2, c.InUse(ClassScope("vertex")))
	assert.Equal(t, 2, c.Limit(ClassScope("vertex")))
	tk.Release()
	held.Release()
}

func TestSetLimits_LoweringCeilingKeepsExistingTickets(t *testing.T) {
	c := New(Limits{GlobalScope(): 3}, nil)
	ctx := context.Background()
	var tickets []*Ticket
	for i := 0; i < 3; i++ {
		tk, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, 0)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	c.SetLimits(Limits{GlobalScope(): 1})
	assert.Equal(t, 3, c.InUse(GlobalScope()))
	_, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)

	tickets[0].Release()
	tickets[1].Release()
	_, err = c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)

	tickets[2].Release()
	tk, err := c.Acquire(ctx, Request{Scopes: []Scope{GlobalScope()}}, time.Second)
	require.NoError(t, err)
	tk.Release()
}

func TestAcquire_NeverExceedsCeilings(t *testing.T) {
	limits := Limits{
		GlobalScope():      4,
		BackendScope("a"):  2,
		BackendScope("b"):  3,
		ClassScope("gpu"):  1,
		ClassScope("http"): 2,
	}
	c := New(limits, nil)
	backends := []Scope{BackendScope("a"), BackendScope("b")}
	classes := []Scope{ClassScope("gpu"), ClassScope("http")}

	var mu sync.Mutex
	current := map[Scope]int{}
	peak := map[Scope]int{}
	var granted atomic.Int64

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(g), 7))
			for i := 0; i < 30; i++ {
				scopes := []Scope{GlobalScope(), backends[r.IntN(len(backends))], classes[r.IntN(len(classes))]}
				tk, err := c.Acquire(context.Background(), Request{Holder: fmt.Sprintf("%d/%d", g, i), Scopes: scopes}, 0)
				if !assert.NoError(t, err) {
					return
				}
				granted.Add(1)
				mu.Lock()
				for _, s := range scopes {
					current[s]++
					if current[s] > peak[s] {
						peak[s] = current[s]
					}
				}
				mu.Unlock()

				time.Sleep(time.Duration(r.IntN(200)) * time.Microsecond)

				mu.Lock()
				for _, s := range scopes {
					current[s]--
				}
				mu.Unlock()
				tk.Release()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(32*30), granted.Load())
	for s, limit := range limits {
		assert.LessOrEqual(t, peak[s], limit, "scope %s", s)
		assert.Equal(t, 0, c.InUse(s), "scope %s", s)
		assert.Equal(t, 0, c.Waiting(s), "scope %s", s)
	}
}
