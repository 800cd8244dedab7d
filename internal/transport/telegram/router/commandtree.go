package router

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one token of a route; a node with cmd set is runnable.
type cmdNode struct {
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{} }

func splitRoute(route string) []string { return strings.Fields(route) }

// add inserts c under route and returns its leaf.
func (n *cmdNode) add(route []string, c Command) *cmdNode {
	for _, tok := range route {
		next := n.children[tok]
		if next == nil {
			if n.children == nil {
				n.children = map[string]*cmdNode{}
			}
			next = &cmdNode{}
			n.children[tok] = next
		}
		n = next
	}
	n.cmd = &c
	return n
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(n.children))
}
