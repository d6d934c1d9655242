// Package directives extracts tool commands addressed to the bot from pull
// request comments, of the form "@github2gerrit <command>".
package directives

import (
	"regexp"
	"strings"
)

// Mention is the handle a comment must address for the remainder of the
// line to be interpreted as a command.
const Mention = "@github2gerrit"

// CmdCreateMissing asks the tool to create a Gerrit change for a PR that
// has no existing counterpart, overriding a require-existing policy.
const CmdCreateMissing = "create missing change"

var mentionRE = regexp.MustCompile(`(?im)` + regexp.QuoteMeta(Mention) + `[ \t:]+([^\r\n]*)`)

// Definition names a recognised command and the spellings that resolve to
// it. Matching is case-insensitive on normalized text.
type Definition struct {
	Name    string
	Aliases []string
}

// Match is one recognised directive occurrence.
type Match struct {
	Name string
	// Rest is normalized text following the matched alias, for commands
	// taking arguments.
	Rest string
}

// Result is everything extracted from a batch of comments. Duplicate
// commands keep only the latest occurrence; unrecognised mentions are
// collected so callers can surface them instead of silently ignoring.
type Result struct {
	Matches      []Match
	Unrecognized []string
}

// Has reports whether a command with the given name was matched.
func (r Result) Has(name string) bool {
	for _, m := range r.Matches {
		if m.Name == name {
			return true
		}
	}
	return false
}

type Registry struct {
	defs []Definition
}

// NewRegistry returns a registry with the built-in command set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(Definition{
		Name:    CmdCreateMissing,
		Aliases: []string{"create-missing", "create missing"},
	})
	return r
}

func (r *Registry) Register(def Definition) {
	r.defs = append(r.defs, def)
}

// Scan parses comment bodies in order, oldest first. When the same command
// appears more than once the latest occurrence wins.
func (r *Registry) Scan(comments []string) Result {
	var res Result
	latest := map[string]Match{}
	var order []string

	for _, body := range comments {
		for _, sub := range mentionRE.FindAllStringSubmatch(body, -1) {
			text := normalize(sub[1])
			if text == "" {
				continue
			}
			m, ok := r.match(text)
			if !ok {
				res.Unrecognized = append(res.Unrecognized, text)
				continue
			}
			if _, seen := latest[m.Name]; !seen {
				order = append(order, m.Name)
			}
			latest[m.Name] = m
		}
	}

	for _, name := range order {
		res.Matches = append(res.Matches, latest[name])
	}
	return res
}

// match resolves normalized text against the registry: exact alias match
// first, then the longest alias that prefixes the text at a word boundary.
func (r *Registry) match(text string) (Match, bool) {
	var best Match
	bestLen := -1
	for _, def := range r.defs {
		for _, alias := range append([]string{def.Name}, def.Aliases...) {
			a := normalize(alias)
			if text == a {
				return Match{Name: def.Name}, true
			}
			if len(a) > bestLen && strings.HasPrefix(text, a+" ") {
				best = Match{Name: def.Name, Rest: strings.TrimSpace(text[len(a):])}
				bestLen = len(a)
			}
		}
	}
	return best, bestLen >= 0
}

// normalize lowercases and collapses runs of whitespace so that spelling
// variants of the same command compare equal.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
