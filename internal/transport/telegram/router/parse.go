package router

import (
	"strings"
	"unicode"
)

// tokenizeCommandLine splits on whitespace. Single or double quotes group
// words and a backslash escapes the next rune:
//
//	/link 7656… "telegram:-100:4" --group=x
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				out = append(out, cur.String())
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// parseFlags separates positionals from --k=v, --k v and bare --flag.
// A lone "-" prefix is positional: chat ids are negative.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags, bools = map[string]string{}, map[string]bool{}
	isFlag := func(a string) bool { return len(a) > 2 && strings.HasPrefix(a, "--") }

	for i := 0; i < len(args); i++ {
		if !isFlag(args[i]) {
			pos = append(pos, args[i])
			continue
		}
		key, val, hasVal := strings.Cut(args[i][2:], "=")
		switch {
		case hasVal:
			flags[key] = val
		case i+1 < len(args) && !isFlag(args[i+1]):
			i++
			flags[key] = args[i]
		default:
			bools[key] = true
		}
	}
	return pos, flags, bools
}

var switches = map[string]bool{
	"on": true, "true": true, "yes": true, "1": true, "enable": true, "enabled": true,
	"off": false, "false": false, "no": false, "0": false, "disable": false, "disabled": false,
}

// parseSwitch reads an on/off argument; ok is false for anything else.
func parseSwitch(s string) (on, ok bool) {
	on, ok = switches[strings.ToLower(strings.TrimSpace(s))]
	return on, ok
}
