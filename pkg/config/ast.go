package config

import (
	"strings"
)

// Node represents a node in the configuration tree.
// It is either a leaf (terminated by ;) or a block (containing children in {}).
type Node struct {
	// Keys is the sequence of words forming this node's identity.
	// Examples:
	//   "telescope" -> ["telescope"]
	//   "switch s1" -> ["switch", "s1"]
	//   "incoming [ 1 2 ]" -> ["incoming", "1", "2"]
	Keys []string

	// Children are the nodes within this block's braces; nil for leaves.
	Children []*Node

	// IsLeaf is true when the node is terminated by ; (no block body).
	IsLeaf bool

	// Line/Column where this node starts (for error reporting).
	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// Arg returns the i-th key after the name, or "" if absent.
func (n *Node) Arg(i int) string {
	if i+1 >= len(n.Keys) {
		return ""
	}
	return n.Keys[i+1]
}

// Args returns the keys after the name.
func (n *Node) Args() []string {
	if len(n.Keys) < 2 {
		return nil
	}
	return n.Keys[1:]
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	for _, child := range n.Children {
		if child.Name() == name {
			return child
		}
	}
	return nil
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	for _, child := range t.Children {
		if child.Name() == name {
			return child
		}
	}
	return nil
}

// Format renders the tree as hierarchical configuration text.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	pad := strings.Repeat("    ", indent)
	for _, n := range nodes {
		b.WriteString(pad)
		b.WriteString(formatKeys(n.Keys))
		if n.IsLeaf {
			b.WriteString(";\n")
			continue
		}
		b.WriteString(" {\n")
		formatNodes(b, n.Children, indent+1)
		b.WriteString(pad)
		b.WriteString("}\n")
	}
}

func formatKeys(keys []string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if k == "" || strings.ContainsAny(k, " \t\"{};#[]") {
			k = `"` + strings.ReplaceAll(strings.ReplaceAll(k, `\`, `\\`), `"`, `\"`) + `"`
		}
		out[i] = k
	}
	return strings.Join(out, " ")
}
