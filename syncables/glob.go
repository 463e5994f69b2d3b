package syncables

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultPatternCacheSize = 512

// Matcher is a compiled ignore pattern. Globs must match the whole input,
// regular expressions may match anywhere in it. A nil or broken Matcher
// matches nothing.
type Matcher struct {
	Pattern string
	IsRegex bool
	re      *regexp.Regexp
	err     error
}

func (m *Matcher) Match(s string) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(s)
}

// Err reports why the pattern failed to compile.
func (m *Matcher) Err() error {
	if m == nil {
		return nil
	}
	return m.err
}

type patternKey struct {
	pattern string
	regex   bool
}

// PatternCache shares compiled matchers between rules with equal patterns.
type PatternCache struct {
	cache *lru.Cache[patternKey, *Matcher]
}

func NewPatternCache(size int) *PatternCache {
	if size <= 0 {
		size = DefaultPatternCacheSize
	}
	cache, err := lru.New[patternKey, *Matcher](size)
	if err != nil {
		panic(err)
	}
	return &PatternCache{cache: cache}
}

var defaultPatterns = NewPatternCache(DefaultPatternCacheSize)

func (c *PatternCache) Compile(pattern string, isRegex bool) *Matcher {
	if c == nil {
		c = defaultPatterns
	}
	key := patternKey{pattern, isRegex}
	if m, ok := c.cache.Get(key); ok {
		return m
	}
	m := &Matcher{Pattern: pattern, IsRegex: isRegex}
	expr := "(?i)" + pattern
	if !isRegex {
		expr = GlobToRegex(pattern)
	}
	m.re, m.err = regexp.Compile(expr)
	c.cache.Add(key, m)
	return m
}

// CompileScope splits a ';' separated scope rule into globs, whatever the
// rule itself is. A blank entry matches an empty network or buffer name.
func (c *PatternCache) CompileScope(rule string) []*Matcher {
	parts := strings.Split(rule, ";")
	out := make([]*Matcher, 0, len(parts))
	for _, part := range parts {
		out = append(out, c.Compile(strings.TrimSpace(part), false))
	}
	return out
}

func (c *PatternCache) Len() int {
	return c.cache.Len()
}

// GlobToRegex turns a wildcard pattern into an anchored case-insensitive
// expression. '*' matches any run, '?' one character, '\' escapes the next.
func GlobToRegex(glob string) string {
	var sb strings.Builder
	sb.Grow(len(glob) + 10)
	sb.WriteString("(?is)^")
	escaped := false
	for _, r := range glob {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			sb.WriteString(".*")
		case r == '?':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		sb.WriteString(`\\`)
	}
	sb.WriteByte('$')
	return sb.String()
}
