package router

import (
	"strings"
	"unicode"
	"unicode/utf8"

	kit "steamwatch/internal/transport"
)

const (
	maxMenuName     = 32
	maxMenuDesc     = 256
	maxMenuCommands = 100
)

// sanitizeTelegramCommand maps a route or alias onto the bot command
// alphabet [a-z0-9_]{1,32}. Separators collapse into one underscore and
// other runes are dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			sep = true
		}
	}
	out := b.String()
	if out != "" && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route into one menu name:
// "achievements group" becomes achievements_group.
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then one
// shortcut per multi-token route. The first entry for a name wins.
func buildTelegramMenuCommands(root *cmdNode, leaves []Command) []kit.BotCommand {
	var out []kit.BotCommand
	seen := map[string]bool{}
	push := func(name, desc string, locked bool) {
		name = sanitizeTelegramCommand(name)
		if name == "" || seen[name] || len(out) >= maxMenuCommands {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if locked {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: name, Description: truncDesc(desc)})
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			push(name, nodeSummary(n), ownerOnly(n))
		}
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		push(strings.Join(route, "_"), desc, c.Access == AccessOwnerOnly)
	}
	return out
}

func truncDesc(s string) string {
	if len(s) <= maxMenuDesc {
		return s
	}
	cut := maxMenuDesc
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
