package router

import (
	"fmt"
	"slices"
	"strings"
)

// helpText renders /help for the given path, or the command list when path
// is empty. An alias as the first word resolves to its command.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpIndex(root)
	}
	node, words := root, []string(nil)
	for _, p := range path {
		next, ok := node.child(p)
		if !ok && len(words) == 0 {
			if leaf := alias[p]; leaf != nil && leaf.cmd != nil {
				node, words = leaf, splitRoute(leaf.cmd.Route)
				continue
			}
		}
		if !ok {
			return "❓ unknown command. Try /help"
		}
		node, words = next, append(words, p)
	}
	return helpDetail(node, words)
}

func helpIndex(root *cmdNode) string {
	var open, locked []string
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		line := "• /" + name
		if d := nodeSummary(n); d != "" {
			line += " - " + d
		}
		if ownerOnly(n) {
			locked = append(locked, strings.Replace(line, "• ", "• 🔒 ", 1))
		} else {
			open = append(open, line)
		}
	}
	var b strings.Builder
	b.WriteString("📚 Commands\nType /help <cmd> for details.\n")
	for _, l := range append(open, locked...) {
		b.WriteString("\n" + l)
	}
	return b.String()
}

func helpDetail(n *cmdNode, words []string) string {
	var b strings.Builder
	b.WriteString("📚 /" + strings.Join(words, " "))

	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString("\n" + d)
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("\n🔒 owner only")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			fmt.Fprintf(&b, "\n\nUsage: %s", u)
		}
		if sc := shortcuts(*c); len(sc) > 0 {
			b.WriteString("\nShortcuts: /" + strings.Join(sc, ", /"))
		}
	}

	if kids := n.childNames(); len(kids) > 0 {
		b.WriteString("\n\nSubcommands:")
		prefix := "/" + strings.Join(words, " ") + " "
		for _, name := range kids {
			k, _ := n.child(name)
			fmt.Fprintf(&b, "\n• %s%s", prefix, name)
			if d := nodeSummary(k); d != "" {
				b.WriteString(" - " + d)
			}
		}
	}
	return b.String()
}

// nodeSummary is the command description, or the first few subcommand
// names for a bare group.
func nodeSummary(n *cmdNode) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	kids := n.childNames()
	switch {
	case len(kids) == 0:
		return ""
	case len(kids) > 3:
		return "subcommands: " + strings.Join(kids[:3], ", ") + ", …"
	default:
		return "subcommands: " + strings.Join(kids, ", ")
	}
}

// ownerOnly is true for an owner-only leaf, or a group whose every
// descendant is owner-only.
func ownerOnly(n *cmdNode) bool {
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, k := range n.children {
		if !ownerOnly(k) {
			return false
		}
	}
	return true
}

// shortcuts lists the single-word ways to reach c: the menu name of a
// nested route and its aliases.
func shortcuts(c Command) []string {
	var out []string
	if route := splitRoute(c.Route); len(route) > 1 {
		if name, ok := telegramCommandNameFromRoute(route); ok {
			out = append(out, name)
		}
	}
	for _, a := range c.Aliases {
		if a = strings.TrimSpace(a); a != "" && !strings.ContainsRune(a, ' ') {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
