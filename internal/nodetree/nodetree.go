package nodetree

import (
	"time"
)

const (
	KindSync Kind = iota
	KindAsync
)

type (
	// Kind is the calling convention of the instrumented function.
	Kind uint8

	// Node is one instrumented call. A node is open until SetDuration is
	// called on it, and its children are frozen from then on.
	Node struct {
		DurationNS uint64  `json:"duration_ns"`
		EndNS      uint64  `json:"-"`
		Depth      int     `json:"depth"`
		Kind       Kind    `json:"kind"`
		Name       string  `json:"name"`
		StartNS    uint64  `json:"-"`
		Children   []*Node `json:"children,omitempty"`

		closed bool
	}
)

func (k Kind) String() string {
	switch k {
	case KindAsync:
		return "async"
	default:
		return "sync"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func NewNode(name string, kind Kind, depth int, start uint64) *Node {
	return &Node{
		Depth:   depth,
		Kind:    kind,
		Name:    name,
		StartNS: start,
	}
}

// SetDuration closes the node at t. It reports false if the node was already
// closed, in which case nothing changes.
func (n *Node) SetDuration(t uint64) bool {
	if n.closed {
		return false
	}
	n.closed = true
	n.EndNS = t
	if t > n.StartNS {
		n.DurationNS = n.EndNS - n.StartNS
	}
	return true
}

func (n *Node) Closed() bool {
	return n.closed
}

func (n *Node) Duration() time.Duration {
	return time.Duration(n.DurationNS)
}

func (n *Node) AddChild(c *Node) {
	n.Children = append(n.Children, c)
}

// RemoveChild drops c from the children while keeping the order of the others.
func (n *Node) RemoveChild(c *Node) bool {
	for i, child := range n.Children {
		if child == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return true
		}
	}
	return false
}

// Walk visits n and its descendants in pre-order, i.e. in the order the calls
// were entered. Returning false from fn skips the node's subtree.
func (n *Node) Walk(fn func(n *Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

func (n *Node) Clone() *Node {
	c := *n
	if n.Children != nil {
		c.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			c.Children = append(c.Children, child.Clone())
		}
	}
	return &c
}

// Rebase sets the depth of n to depth and shifts its descendants accordingly.
func (n *Node) Rebase(depth int) {
	n.Depth = depth
	for _, c := range n.Children {
		c.Rebase(depth + 1)
	}
}
