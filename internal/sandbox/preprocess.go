package sandbox

import (
	"regexp"
	"strings"
)

var (
	mpld3ShowRe     = regexp.MustCompile(`mpld3\.show\((\w*)\)`)
	writeHTMLRe     = regexp.MustCompile(`(fig\.write_html\s*\()([^)]*)\)`)
	includePlotlyRe = regexp.MustCompile(`include_plotlyjs\s*=\s*(?:"[^"]*"|'[^']*'|[^,)\s]+)`)
)

// Preprocess rewrites calls that would otherwise open a browser or produce
// an artifact that cannot be rendered offline.
func Preprocess(code string) string {
	code = mpld3ShowRe.ReplaceAllString(code, "mpld3.display($1)")
	return writeHTMLRe.ReplaceAllStringFunc(code, forceCDN)
}

func forceCDN(call string) string {
	m := writeHTMLRe.FindStringSubmatch(call)
	open, args := m[1], m[2]
	if includePlotlyRe.MatchString(args) {
		args = includePlotlyRe.ReplaceAllString(args, "include_plotlyjs='cdn'")
		return open + args + ")"
	}
	if strings.TrimSpace(args) == "" {
		return open + "include_plotlyjs='cdn')"
	}
	return open + args + ", include_plotlyjs='cdn')"
}
