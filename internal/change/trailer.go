package change

import (
	"regexp"
	"strings"
)

// Trailer keys recognized or injected in commit messages.
const (
	TrailerChangeID   = "Change-Id"
	TrailerGitHubPR   = "GitHub-PR"
	TrailerGitHubHash = "GitHub-Hash"
	TrailerSignedOff  = "Signed-off-by"
)

var trailerLineRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*: \S`)

// splitTrailers splits a commit message into its body and trailer block.
// The trailer block is the last paragraph in which every line looks like a
// "Key: value" pair (continuation lines indented with whitespace are
// tolerated, as git does). A message with no such final paragraph has no
// trailers.
func splitTrailers(message string) (body []string, trailers []string) {
	lines := strings.Split(strings.TrimRight(message, "\n"), "\n")

	// Find the start of the last paragraph.
	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			start = i
			break
		}
	}
	if start < 0 || start == len(lines)-1 {
		return lines, nil
	}

	block := lines[start+1:]
	for _, line := range block {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue // folded continuation of the previous trailer
		}
		if !trailerLineRE.MatchString(line) {
			return lines, nil
		}
	}
	return lines[:start], block
}

// TrailerValues returns all values for key in the message's trailer block,
// in order of appearance.
func TrailerValues(message, key string) []string {
	_, trailers := splitTrailers(message)
	var values []string
	for _, line := range trailers {
		if rest, ok := strings.CutPrefix(line, key+":"); ok {
			values = append(values, strings.TrimSpace(rest))
		}
	}
	return values
}

// distinctValues collapses repeated values, preserving first-seen order.
// Git tolerates the same trailer line appearing more than once.
func distinctValues(values []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// InjectTrailer appends "key: value" to the message's trailer block,
// creating the block when absent. If the key is already present the message
// is returned unchanged; existing trailers, known or not, are preserved.
func InjectTrailer(message, key, value string) string {
	if len(TrailerValues(message, key)) > 0 {
		return message
	}

	body, trailers := splitTrailers(message)
	trailers = append(trailers, key+": "+value)

	var b strings.Builder
	for _, line := range body {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, line := range trailers {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

var (
	collapseWS      = regexp.MustCompile(`\s+`)
	trailingPRNumRE = regexp.MustCompile(`\s*\(#\d+\)$`)
)

// NormalizeSubject canonicalizes a commit or change subject for matching:
// lowercase, inner whitespace collapsed, and a trailing "(#N)" PR-number
// suffix stripped. Recurring bot PRs are recreated under new numbers, so
// the PR number must not participate in identity.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	s = trailingPRNumRE.ReplaceAllString(s, "")
	return collapseWS.ReplaceAllString(s, " ")
}
