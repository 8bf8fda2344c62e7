package dispatch

import (
	"regexp"
	"strings"
)

// slashCommandPattern matches `/name[@bot] [args...]`, case-insensitive name,
// optional 3-32 char bot suffix. §4.4.
var slashCommandPattern = regexp.MustCompile(`(?i)^/([a-z0-9_]{1,32})(?:@[a-z0-9_]{3,32})?(?:\s+(.*))?$`)

// ParsedCommand is the result of successfully parsing a slash command.
type ParsedCommand struct {
	Name string
	Args string
}

// ParseSlashCommand parses text of the form "/name[@bot] args...". ok is
// false if text isn't a slash command at all.
func ParseSlashCommand(text string) (cmd ParsedCommand, ok bool) {
	m := slashCommandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ParsedCommand{}, false
	}
	return ParsedCommand{
		Name: strings.ToLower(m[1]),
		Args: strings.TrimSpace(m[2]),
	}, true
}

// looksLikeSlashCommand is the cheaper prefix check QueryRouter uses (§4.5
// rule 1) — it intentionally matches more broadly than ParseSlashCommand so
// that even a malformed/unknown command routes to InlineDispatcher's
// recovery reply instead of falling through to the worker.
var queryRouterSlashPattern = regexp.MustCompile(`(?i)^/[a-z0-9_]{1,32}(?:@[a-z0-9_]{3,})?\b`)
