// Package render formats call trees as indented text.
package render

import (
	"fmt"
	"strings"

	"github.com/getsentry/functree/internal/nodetree"
	"github.com/getsentry/functree/internal/timeutil"
)

const (
	// Separator terminates every block.
	Separator = "------"

	indent     = "    "
	branch     = "├── "
	lastBranch = "└── "
)

// Line formats a single call.
func Line(n *nodetree.Node) string {
	return fmt.Sprintf("%s (%s) took %.4f seconds", n.Name, n.Kind, timeutil.Seconds(n.DurationNS))
}

// Tree renders n and its descendants, one call per line.
func Tree(n *nodetree.Node) string {
	var sb strings.Builder
	writeNode(&sb, n, 0, "")
	return sb.String()
}

// Block renders a tree followed by the separator line.
func Block(n *nodetree.Node) string {
	var sb strings.Builder
	writeNode(&sb, n, 0, "")
	sb.WriteString(Separator)
	sb.WriteByte('\n')
	return sb.String()
}

func writeNode(sb *strings.Builder, n *nodetree.Node, level int, prefix string) {
	sb.WriteString(strings.Repeat(indent, level))
	sb.WriteString(prefix)
	sb.WriteString(Line(n))
	sb.WriteByte('\n')
	for i, c := range n.Children {
		p := branch
		if i == len(n.Children)-1 {
			p = lastBranch
		}
		writeNode(sb, c, level+1, p)
	}
}
