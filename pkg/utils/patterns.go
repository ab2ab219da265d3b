package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

// PatternMatcher matches slash-separated relative paths against glob patterns.
// "*" and "?" never cross a "/"; "**" spans any number of directories.
type PatternMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewPatternMatcher compiles patterns into a matcher
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{
		patterns: make([]string, 0, len(patterns)),
		regexps:  make([]*regexp.Regexp, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		pattern = NormalizePattern(pattern)
		regex, err := globToRegex(pattern)
		if err != nil {
			return nil, err
		}
		pm.patterns = append(pm.patterns, pattern)
		pm.regexps = append(pm.regexps, regex)
	}

	return pm, nil
}

// MustPatternMatcher is NewPatternMatcher for patterns known at compile time
func MustPatternMatcher(patterns ...string) *PatternMatcher {
	pm, err := NewPatternMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return pm
}

// Match checks if a path matches any pattern. An empty or nil matcher matches nothing.
func (pm *PatternMatcher) Match(path string) bool {
	if pm == nil {
		return false
	}
	path = filepath.ToSlash(path)

	for _, regex := range pm.regexps {
		if regex.MatchString(path) {
			return true
		}
	}

	return false
}

// Patterns returns the normalized patterns
func (pm *PatternMatcher) Patterns() []string {
	return append([]string(nil), pm.patterns...)
}

// globToRegex converts a glob pattern to an anchored regular expression
func globToRegex(pattern string) (*regexp.Regexp, error) {
	var regex strings.Builder
	regex.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// "**/" is zero or more whole directories
					regex.WriteString("(?:.*/)?")
					i += 3
				} else {
					regex.WriteString(".*")
					i += 2
				}
			} else {
				regex.WriteString("[^/]*")
				i++
			}
		case '?':
			regex.WriteString("[^/]")
			i++
		case '{':
			// {a,b,c} alternation
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				regex.WriteString(`\{`)
				i++
				continue
			}
			alts := strings.Split(pattern[i+1:i+end], ",")
			for k, alt := range alts {
				alts[k] = regexp.QuoteMeta(alt)
			}
			regex.WriteString("(?:" + strings.Join(alts, "|") + ")")
			i += end + 1
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				regex.WriteString("[^")
				j++
			} else {
				regex.WriteString("[")
			}

			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' && j+1 < len(pattern) {
					regex.WriteByte(pattern[j])
					regex.WriteByte(pattern[j+1])
					j += 2
				} else {
					regex.WriteByte(pattern[j])
					j++
				}
			}

			if j < len(pattern) {
				regex.WriteByte(']')
				i = j + 1
			} else {
				// unclosed bracket is a literal
				regex.Reset()
				return globToRegex(strings.Replace(pattern, "[", `\[`, 1))
			}
		case '\\':
			if i+1 < len(pattern) {
				regex.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				regex.WriteString(`\\`)
				i++
			}
		case '.', '+', '^', '$', '(', ')', '}', '|':
			regex.WriteByte('\\')
			regex.WriteByte(c)
			i++
		default:
			regex.WriteByte(c)
			i++
		}
	}

	regex.WriteString("$")

	return regexp.Compile(regex.String())
}

// NormalizePattern normalizes a file pattern
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	pattern = strings.TrimSuffix(pattern, "/")
	return pattern
}
