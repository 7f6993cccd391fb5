// Package callstack turns enter/exit events of instrumented calls into call
// trees. Every execution context owns one stack of open calls; the context is
// identified by an ID carried in a context.Context, so two goroutines only ever
// share a stack if they share that ID.
package callstack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/getsentry/functree/internal/errorutil"
	"github.com/getsentry/functree/internal/nodetree"
	"github.com/getsentry/functree/internal/timeutil"
)

type contextKey struct{}

type (
	stack struct {
		mu    sync.Mutex
		nodes []*nodetree.Node
		// dead is set once the stack was emptied and removed from the registry.
		dead bool
	}

	// Handle refers to one open call returned by Enter or Spawn.
	Handle struct {
		id     uuid.UUID
		node   *nodetree.Node
		exited bool
	}

	Tracker struct {
		clock  timeutil.Clock
		stacks sync.Map // uuid.UUID -> *stack

		// attached counts async nodes whose parent is still open. The maps
		// below are only touched with asyncMu held.
		attached int64
		asyncMu  sync.Mutex
		parents  map[*nodetree.Node]*nodetree.Node
		pending  map[*nodetree.Node][]*nodetree.Node
	}
)

func New(clock timeutil.Clock) *Tracker {
	return &Tracker{
		clock:   clock,
		parents: make(map[*nodetree.Node]*nodetree.Node),
		pending: make(map[*nodetree.Node][]*nodetree.Node),
	}
}

func (h *Handle) Node() *nodetree.Node {
	return h.node
}

// ID returns the execution context the call was pushed on.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// IDFromContext returns the execution context identity carried by ctx.
func IDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok
}

// Fork returns a context with a new execution context identity. Calls made
// with it start their own trees.
func Fork(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, uuid.New())
}

// acquire returns the live stack for id, locked.
func (t *Tracker) acquire(id uuid.UUID) *stack {
	for {
		v, ok := t.stacks.Load(id)
		if !ok {
			v, _ = t.stacks.LoadOrStore(id, &stack{})
		}
		s := v.(*stack)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// lookup returns the live stack for id, locked, or nil if there is none.
func (t *Tracker) lookup(id uuid.UUID) *stack {
	v, ok := t.stacks.Load(id)
	if !ok {
		return nil
	}
	s := v.(*stack)
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil
	}
	return s
}

// release unlocks s, retiring it first if it is empty.
func (t *Tracker) release(id uuid.UUID, s *stack) {
	if len(s.nodes) == 0 {
		s.dead = true
		t.stacks.Delete(id)
	}
	s.mu.Unlock()
}

// Enter opens a call on the execution context of ctx, creating one if ctx
// does not carry any. The returned context must be used for calls made from
// within the entered call for them to nest under it.
func (t *Tracker) Enter(ctx context.Context, name string, kind nodetree.Kind) (context.Context, *Handle) {
	id, ok := IDFromContext(ctx)
	if !ok {
		id = uuid.New()
		ctx = context.WithValue(ctx, contextKey{}, id)
	}
	s := t.acquire(id)
	n := t.newChild(s, name, kind)
	s.nodes = append(s.nodes, n)
	s.mu.Unlock()
	return ctx, &Handle{id: id, node: n}
}

// Spawn opens an async call. The node is attached under the innermost open
// call of ctx's execution context but is pushed on a new execution context,
// returned in the context, on which the call's body runs.
func (t *Tracker) Spawn(ctx context.Context, name string) (context.Context, *Handle) {
	var n *nodetree.Node
	var parent *nodetree.Node
	if pid, ok := IDFromContext(ctx); ok {
		if s := t.lookup(pid); s != nil {
			if len(s.nodes) > 0 {
				parent = s.nodes[len(s.nodes)-1]
			}
			n = t.newChild(s, name, nodetree.KindAsync)
			s.mu.Unlock()
		}
	}
	if n == nil {
		n = nodetree.NewNode(name, nodetree.KindAsync, 0, t.clock.Now())
	}
	if parent != nil {
		t.asyncMu.Lock()
		t.parents[n] = parent
		t.pending[parent] = append(t.pending[parent], n)
		atomic.AddInt64(&t.attached, 1)
		t.asyncMu.Unlock()
	}

	id := uuid.New()
	t.stacks.Store(id, &stack{nodes: []*nodetree.Node{n}})
	return context.WithValue(ctx, contextKey{}, id), &Handle{id: id, node: n}
}

// newChild creates a node under the top of s, which must be locked.
func (t *Tracker) newChild(s *stack, name string, kind nodetree.Kind) *nodetree.Node {
	if len(s.nodes) == 0 {
		return nodetree.NewNode(name, kind, 0, t.clock.Now())
	}
	top := s.nodes[len(s.nodes)-1]
	n := nodetree.NewNode(name, kind, top.Depth+1, t.clock.Now())
	top.AddChild(n)
	return n
}

// Exit closes the call referenced by h. It returns the node when it completed
// a root call, in which case the caller owns the tree. A call that is not the
// innermost open one of its context is still closed, along with every call
// opened after it, and an error wrapping errorutil.ErrStackConsistency
// describes the fault.
func (t *Tracker) Exit(h *Handle) (*nodetree.Node, error) {
	now := t.clock.Now()
	if h.exited {
		return nil, fmt.Errorf("%w: %q exited twice", errorutil.ErrStackConsistency, h.node.Name)
	}
	h.exited = true

	s := t.lookup(h.id)
	if s == nil {
		if h.node.Closed() {
			// unwound by an earlier out of order exit
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q is not on any stack", errorutil.ErrStackConsistency, h.node.Name)
	}
	idx := -1
	for i := len(s.nodes) - 1; i >= 0; i-- {
		if s.nodes[i] == h.node {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		if h.node.Closed() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q is not on its stack", errorutil.ErrStackConsistency, h.node.Name)
	}

	var err error
	if unwound := len(s.nodes) - 1 - idx; unwound > 0 {
		err = fmt.Errorf("%w: %q exited with %d inner calls still open", errorutil.ErrStackConsistency, h.node.Name, unwound)
	}
	for i := len(s.nodes) - 1; i >= idx; i-- {
		t.close(s.nodes[i], now)
		s.nodes[i] = nil
	}
	s.nodes = s.nodes[:idx]
	t.release(h.id, s)

	if idx > 0 || t.detach(h.node) {
		return nil, err
	}
	if h.node.Depth != 0 {
		h.node.Rebase(0)
	}
	return h.node, err
}

// close records the end of n and detaches its async children that are still
// running; they will complete as roots of their own.
func (t *Tracker) close(n *nodetree.Node, now uint64) {
	if !n.SetDuration(now) {
		return
	}
	if atomic.LoadInt64(&t.attached) == 0 {
		return
	}
	t.asyncMu.Lock()
	children, ok := t.pending[n]
	if ok {
		delete(t.pending, n)
		for _, c := range children {
			delete(t.parents, c)
			n.RemoveChild(c)
		}
		atomic.AddInt64(&t.attached, -int64(len(children)))
	}
	t.asyncMu.Unlock()
}

// detach reports whether n was an async call still attached to an open
// parent, removing the link if so.
func (t *Tracker) detach(n *nodetree.Node) bool {
	if n.Kind != nodetree.KindAsync || atomic.LoadInt64(&t.attached) == 0 {
		return false
	}
	t.asyncMu.Lock()
	defer t.asyncMu.Unlock()
	parent, ok := t.parents[n]
	if !ok {
		return false
	}
	delete(t.parents, n)
	siblings := t.pending[parent]
	for i, c := range siblings {
		if c == n {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(t.pending, parent)
	} else {
		t.pending[parent] = siblings
	}
	atomic.AddInt64(&t.attached, -1)
	return true
}

// Open returns the number of open calls on the execution context of ctx.
func (t *Tracker) Open(ctx context.Context) int {
	id, ok := IDFromContext(ctx)
	if !ok {
		return 0
	}
	s := t.lookup(id)
	if s == nil {
		return 0
	}
	defer s.mu.Unlock()
	return len(s.nodes)
}
