// Package admission bounds the number of stage executions in flight against
// scarce downstream capacity. Every ticket holds one slot in each of its
// scopes; callers queue in request order when a scope is full.
package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrRejected is returned when no slot frees up before the timeout. It is
	// a flow-control signal, not a document failure.
	ErrRejected = errors.New("admission rejected")
	// ErrDuplicateHolder is returned when the holder already owns or waits
	// for a ticket.
	ErrDuplicateHolder = errors.New("holder already has a ticket")
)

// Scope names one concurrency counter.
type Scope string

func GlobalScope() Scope           { return "global" }
func BackendScope(id string) Scope { return Scope("backend/" + id) }
func ClassScope(name string) Scope { return Scope("class/" + name) }
func (s Scope) String() string     { return string(s) }

// Limits maps scopes to their ceilings. A scope that is missing, or whose
// ceiling is zero or less, is unlimited.
type Limits map[Scope]int

func (l Limits) clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Request asks for one slot in every scope. Holder identifies the unit of
// work, typically "<documentId>/<stage>"; empty disables the duplicate check.
type Request struct {
	Holder string
	Scopes []Scope
}

type waiter struct {
	holder  string
	scopes  []Scope
	elems   map[Scope]*list.Element
	pending *list.Element
	ready   chan struct{}
	ticket  *Ticket
}

// Ticket is a lease on one slot in each of its scopes. Release must be called
// on every exit path; it is safe to call more than once.
type Ticket struct {
	c         *Controller
	holder    string
	scopes    []Scope
	grantedAt time.Time
	once      sync.Once
}

// Release returns the ticket's slots and wakes waiters.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.c.release(t) })
}

func (t *Ticket) Holder() string       { return t.holder }
func (t *Ticket) Scopes() []Scope      { return t.scopes }
func (t *Ticket) GrantedAt() time.Time { return t.grantedAt }

// Controller is the shared admission state. It is safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	limits  Limits
	inUse   map[Scope]int
	queues  map[Scope]*list.List
	pending *list.List // every waiter, in request order
	holders map[string]bool
	now     func() time.Time
	logger  *slog.Logger
}

// New returns a controller enforcing limits.
func New(limits Limits, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		limits:  limits.clone(),
		inUse:   map[Scope]int{},
		queues:  map[Scope]*list.List{},
		pending: list.New(),
		holders: map[string]bool{},
		now:     time.Now,
		logger:  logger,
	}
}

// Acquire blocks until every scope in req has a free slot, the timeout
// elapses (ErrRejected) or ctx is done (ctx.Err()). A timeout of zero or less
// waits for ctx only. Within a scope, an earlier request is never overtaken
// by a later one unless the scope has room for both.
func (c *Controller) Acquire(ctx context.Context, req Request, timeout time.Duration) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if req.Holder != "" && c.holders[req.Holder] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHolder, req.Holder)
	}
	w := &waiter{
		holder: req.Holder,
		scopes: dedupe(req.Scopes),
		elems:  map[Scope]*list.Element{},
		ready:  make(chan struct{}),
	}
	c.enqueueLocked(w)
	c.dispatchLocked()
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return w.ticket, nil
	case <-expired:
		c.mu.Lock()
		if w.ticket != nil {
			c.mu.Unlock()
			return w.ticket, nil
		}
		c.abandonLocked(w)
		c.mu.Unlock()
		c.logger.Debug("Admission rejected.", "holder", req.Holder, "timeout", timeout.String())
		return nil, fmt.Errorf("%w after %s", ErrRejected, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		t := w.ticket
		if t == nil {
			c.abandonLocked(w)
		}
		c.mu.Unlock()
		t.Release()
		return nil, ctx.Err()
	}
}

// SetLimits replaces every ceiling. Existing tickets stay valid; new grants
// observe the new ceilings immediately.
func (c *Controller) SetLimits(limits Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = limits.clone()
	c.dispatchLocked()
}

// Limit returns the ceiling of s, or zero when unlimited.
func (c *Controller) Limit(s Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.limits[s]; l > 0 {
		return l
	}
	return 0
}

// InUse returns the number of granted, unreleased tickets holding s.
func (c *Controller) InUse(s Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse[s]
}

// Waiting returns the number of requests queued on s.
func (c *Controller) Waiting(s Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[s]; ok {
		return q.Len()
	}
	return 0
}

func (c *Controller) enqueueLocked(w *waiter) {
	if w.holder != "" {
		c.holders[w.holder] = true
	}
	for _, s := range w.scopes {
		q, ok := c.queues[s]
		if !ok {
			q = list.New()
			c.queues[s] = q
		}
		w.elems[s] = q.PushBack(w)
	}
	w.pending = c.pending.PushBack(w)
}

func (c *Controller) unlinkLocked(w *waiter) {
	for s, e := range w.elems {
		q := c.queues[s]
		q.Remove(e)
		if q.Len() == 0 {
			delete(c.queues, s)
		}
	}
	w.elems = nil
	c.pending.Remove(w.pending)
}

func (c *Controller) abandonLocked(w *waiter) {
	c.unlinkLocked(w)
	if w.holder != "" {
		delete(c.holders, w.holder)
	}
	// The abandoned request may have been holding back later ones.
	c.dispatchLocked()
}

// dispatchLocked grants, in request order, every waiter that fits. Granting
// a waiter removes it from the queues ahead of later waiters and takes its
// slots, so a single pass is enough.
func (c *Controller) dispatchLocked() {
	for e := c.pending.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*waiter)
		if c.fitsLocked(w) {
			c.grantLocked(w)
		}
		e = next
	}
}

// fitsLocked reports whether w can be granted now: in each of its scopes the
// slots in use, plus one for every earlier waiter still queued there, plus
// one for w, must stay within the ceiling.
func (c *Controller) fitsLocked(w *waiter) bool {
	for _, s := range w.scopes {
		limit := c.limits[s]
		if limit <= 0 {
			continue
		}
		ahead := 0
		for e := c.queues[s].Front(); e != nil && e != w.elems[s]; e = e.Next() {
			ahead++
		}
		if c.inUse[s]+ahead+1 > limit {
			return false
		}
	}
	return true
}

func (c *Controller) grantLocked(w *waiter) {
	c.unlinkLocked(w)
	for _, s := range w.scopes {
		c.inUse[s]++
	}
	w.ticket = &Ticket{c: c, holder: w.holder, scopes: w.scopes, grantedAt: c.now()}
	close(w.ready)
}

func (c *Controller) release(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range t.scopes {
		if c.inUse[s] > 0 {
			c.inUse[s]--
		}
		if c.inUse[s] == 0 {
			delete(c.inUse, s)
		}
	}
	if t.holder != "" {
		delete(c.holders, t.holder)
	}
	c.dispatchLocked()
}

func dedupe(scopes []Scope) []Scope {
	out := make([]Scope, 0, len(scopes))
	seen := make(map[Scope]bool, len(scopes))
	for _, s := range scopes {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
