// Package matcher compiles MatchSpec values into fast, reusable
// predicates. A spec is compiled exactly once, at rule insert time; the
// hot request path never recompiles a regex.
package matcher

import (
	"regexp"
	"strings"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// Matcher evaluates a compiled MatchSpec against request and, for
// modifier rules, response status.
type Matcher struct {
	method string // uppercased; empty means "any"
	kind   models.MatchKind
	value  string
	re     *regexp.Regexp
}

// Compile builds a Matcher from spec, failing with util.InvalidPattern
// if the regex kind carries an uncompilable pattern.
func Compile(spec models.MatchSpec) (*Matcher, error) {
	m := &Matcher{
		method: strings.ToUpper(spec.Method),
		kind:   spec.URLKind,
		value:  spec.URLValue,
	}
	if spec.URLKind == models.MatchRegex {
		re, err := regexp.Compile("^(?:" + spec.URLValue + ")$")
		if err != nil {
			return nil, util.NewError(util.InvalidPattern, "invalid regex pattern", spec.URLValue)
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether method+url satisfy the spec.
func (m *Matcher) Matches(method, url string) bool {
	if m.method != "" && !strings.EqualFold(m.method, method) {
		return false
	}
	switch m.kind {
	case models.MatchExact:
		return url == m.value
	case models.MatchContains:
		return strings.Contains(url, m.value)
	case models.MatchStartsWith:
		return strings.HasPrefix(url, m.value)
	case models.MatchEndsWith:
		return strings.HasSuffix(url, m.value)
	case models.MatchRegex:
		return m.re.MatchString(url)
	default:
		return false
	}
}

// MatchesWithStatus additionally checks status against an optional
// allow-list, used by modifier rules.
func MatchesWithStatus(m *Matcher, method, url string, status int, allowList []int) bool {
	if !m.Matches(method, url) {
		return false
	}
	if len(allowList) == 0 {
		return true
	}
	for _, s := range allowList {
		if s == status {
			return true
		}
	}
	return false
}
