package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/functree/internal/errorutil"
	"github.com/getsentry/functree/internal/nodetree"
)

// All disables the top-k selection.
const All TopK = 0

type (
	// TopK is the number of longest calls to keep in a tree, or All.
	TopK int

	Config struct {
		MinimumDuration time.Duration
		TopK            TopK
	}
)

// ParseTopK accepts a positive integer, or "all" and "full" for All.
func ParseTopK(s string) (TopK, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "all", "full":
		return All, nil
	}
	k, err := strconv.Atoi(s)
	if err != nil {
		return All, fmt.Errorf("%w: %q", errorutil.ErrInvalidTopK, s)
	}
	if k <= 0 {
		return All, fmt.Errorf("%w: %d is not positive", errorutil.ErrInvalidTopK, k)
	}
	return TopK(k), nil
}

func (k TopK) String() string {
	if k == All {
		return "all"
	}
	return strconv.Itoa(int(k))
}

func (k TopK) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TopK) UnmarshalText(b []byte) error {
	v, err := ParseTopK(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// SetValue lets cleanenv parse a TopK from the environment.
func (k *TopK) SetValue(s string) error {
	return k.UnmarshalText([]byte(s))
}

func (c Config) Validate() error {
	if c.MinimumDuration < 0 {
		return fmt.Errorf("%w: negative minimum duration %s", errorutil.ErrInvalidConfig, c.MinimumDuration)
	}
	if c.TopK < 0 {
		return fmt.Errorf("%w: negative top-k %d", errorutil.ErrInvalidConfig, c.TopK)
	}
	return nil
}

// Apply returns a filtered copy of the tree rooted at root, or nil if nothing
// is left to render. A call shorter than the minimum duration is dropped with
// its whole subtree. Among what remains, only the TopK longest calls are kept
// (ties go to the call entered first) and the survivors of a dropped call are
// moved up to its closest kept ancestor. The root is always kept.
func Apply(root *nodetree.Node, cfg Config) *nodetree.Node {
	if root == nil || root.Duration() < cfg.MinimumDuration {
		return nil
	}
	out := prune(root, cfg.MinimumDuration)
	if cfg.TopK == All {
		return out
	}
	keep := longest(out, int(cfg.TopK))
	keep[out] = struct{}{}
	out.Children = regraft(out.Children, keep)
	out.Rebase(out.Depth)
	return out
}

func prune(n *nodetree.Node, minimum time.Duration) *nodetree.Node {
	c := *n
	c.Children = nil
	for _, child := range n.Children {
		if child.Duration() >= minimum {
			c.Children = append(c.Children, prune(child, minimum))
		}
	}
	return &c
}

func longest(root *nodetree.Node, k int) map[*nodetree.Node]struct{} {
	var nodes []*nodetree.Node
	root.Walk(func(n *nodetree.Node) bool {
		nodes = append(nodes, n)
		return true
	})
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].DurationNS > nodes[j].DurationNS
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	keep := make(map[*nodetree.Node]struct{}, len(nodes)+1)
	for _, n := range nodes {
		keep[n] = struct{}{}
	}
	return keep
}

func regraft(children []*nodetree.Node, keep map[*nodetree.Node]struct{}) []*nodetree.Node {
	var out []*nodetree.Node
	for _, c := range children {
		grandchildren := regraft(c.Children, keep)
		if _, ok := keep[c]; ok {
			c.Children = grandchildren
			out = append(out, c)
		} else {
			out = append(out, grandchildren...)
		}
	}
	return out
}
