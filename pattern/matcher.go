// Package pattern compiles and matches the kernel's hierarchical wildcard
// event patterns: a bare segment matches literally, "*" matches exactly one
// non-empty segment, and "**" matches zero or more segments (including
// empty ones).
package pattern

import "strings"

const (
	segAny    = "*"
	segAnyAll = "**"
)

// Matcher is a compiled representation of a pattern string and the
// delimiter it was compiled with. Matchers are pure functions of
// (pattern, delimiter) and are safe for concurrent use.
type Matcher struct {
	pattern   string
	delimiter string
	literal   bool
	segs      []string
}

// Compile builds a Matcher for pattern under delimiter. It never fails:
// every string is a valid pattern.
func Compile(pattern, delimiter string) *Matcher {
	m := &Matcher{pattern: pattern, delimiter: delimiter}
	if !HasWildcard(pattern) {
		m.literal = true
		return m
	}
	m.segs = segments(pattern, delimiter)
	return m
}

// CompileLiteral builds a Matcher that only ever matches pattern by exact
// equality, ignoring any wildcard markers it contains. Used when a kernel
// is configured with wildcard support disabled.
func CompileLiteral(pattern string) *Matcher {
	return &Matcher{pattern: pattern, literal: true}
}

// Pattern returns the source pattern string this matcher was compiled from.
func (m *Matcher) Pattern() string { return m.pattern }

// IsLiteral reports whether the matcher matches only by exact string
// equality — true for patterns with no wildcard segment, and for any
// matcher built with CompileLiteral regardless of its raw string. The
// registry uses this to resolve exact-name records by a bucket lookup and
// to test only wildcard records against the emitted name.
func (m *Matcher) IsLiteral() bool { return m.literal }

// Match reports whether name satisfies the compiled pattern.
func (m *Matcher) Match(name string) bool {
	if m.literal {
		return name == m.pattern
	}
	return matchSegments(m.segs, segments(name, m.delimiter))
}

// Matches is the direct (uncached) form of the contract: matches(name,
// pattern, delimiter). Callers on a hot path should prefer Cache.Get so
// compilation is amortized.
func Matches(name, pattern, delimiter string) bool {
	return Compile(pattern, delimiter).Match(name)
}

// HasWildcard reports whether pattern contains a '*' anywhere, using a
// single strings.IndexByte scan.
func HasWildcard(pattern string) bool {
	return strings.IndexByte(pattern, '*') >= 0
}

// segments splits s on delimiter, treating the empty string as zero
// segments (rather than strings.Split's single empty-string segment) so
// that "**" matching an empty name falls out of the DP without
// special-casing. (A literal "" pattern never reaches the DP: it has no
// wildcard and is matched by equality.)
func segments(s, delimiter string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, delimiter)
}

// matchSegments runs a DP over pattern segments vs. name segments.
// dp[i][j] = name[:i] matches pattern[:j].
func matchSegments(patSegs, nameSegs []string) bool {
	n := len(nameSegs)
	p := len(patSegs)

	dp := make([][]bool, n+1)
	for i := range dp {
		dp[i] = make([]bool, p+1)
	}
	dp[0][0] = true

	for j := 1; j <= p; j++ {
		if patSegs[j-1] == segAnyAll {
			dp[0][j] = dp[0][j-1]
		}
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= p; j++ {
			seg := patSegs[j-1]
			switch seg {
			case segAnyAll:
				dp[i][j] = dp[i-1][j] || dp[i][j-1] || dp[i-1][j-1]
			case segAny:
				dp[i][j] = dp[i-1][j-1] && nameSegs[i-1] != ""
			default:
				dp[i][j] = dp[i-1][j-1] && nameSegs[i-1] == seg
			}
		}
	}

	return dp[n][p]
}
