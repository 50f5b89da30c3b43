package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesLiteral(t *testing.T) {
	assert.True(t, Matches("user:created", "user:created", ":"), "expected literal match")
	assert.False(t, Matches("user:created", "user:deleted", ":"), "expected literal mismatch")
}

func TestMatchesEmptyPattern(t *testing.T) {
	assert.True(t, Matches("", "", ":"), "empty pattern must match empty name")
	assert.False(t, Matches("x", "", ":"), "empty pattern must not match non-empty name")
}

func TestMatchesSingleStar(t *testing.T) {
	assert.True(t, Matches("user:x:y:z", "*:*:*:*", ":"), "expected four non-empty segments to match")
	assert.False(t, Matches("user:x:y", "*:*:*:*", ":"), "expected fewer segments to fail")
	assert.False(t, Matches("user::y:z", "*:*:*:*", ":"), "* must not match an empty segment")
}

func TestMatchesDoubleStarAlone(t *testing.T) {
	assert.True(t, Matches("", "**", ":"), "** must match the empty name")
	assert.True(t, Matches("a:b:c:d:e", "**", ":"), "** must match any name")
}

func TestMatchesDoubleStarMiddle(t *testing.T) {
	cases := []string{"user:x:view", "user:x:y:view", "user::view"}
	for _, name := range cases {
		assert.Truef(t, Matches(name, "user:**:view", ":"), "expected %q to match user:**:view", name)
	}
	assert.True(t, Matches("user:view", "user:**:view", ":"),
		"** matches zero segments too, so user:view must match user:**:view")
	assert.False(t, Matches("other:view", "user:**:view", ":"),
		"the literal prefix segment must still be required")
}

func TestHasWildcard(t *testing.T) {
	assert.False(t, HasWildcard("user:created"), "plain pattern should not be flagged as wildcard")
	assert.True(t, HasWildcard("user:*"), "* pattern should be flagged as wildcard")
	assert.True(t, HasWildcard("user:**"), "** pattern should be flagged as wildcard")
}

func TestCacheBounded(t *testing.T) {
	c := NewCache(2)
	c.Get("a", ":")
	c.Get("b", ":")
	c.Get("c", ":")
	assert.Equal(t, 2, c.Len(), "expected capacity-bounded cache to hold 2 entries")
}

func TestCacheHitReturnsSameMatcher(t *testing.T) {
	c := NewCache(10)
	m1 := c.Get("user:*", ":")
	m2 := c.Get("user:*", ":")
	assert.Same(t, m1, m2, "expected cache hit to return the same compiled matcher")
}
