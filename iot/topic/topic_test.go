package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"server/+/status", "server/42/status", true},
		{"server/+/status", "server/42/43/status", false},
		{"server/+/status", "server/status", false},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/+/c", "a/x/d", false},
		{"a/+/c", "a//c", true},
		{"+", "anything", true},
		{"+", "any/thing", false},
		{"+/+", "a/b", true},
		{"a/b", "a/b", true},
		{"a/b", "a/bc", false},
		{"home/#", "home/kitchen/oven/temp", true},
		{"home/#", "home", true},
		{"home/#", "homes/kitchen", false},
		{"#", "a/b/c", true},
		{"a.b/+", "a.b/c", true},
		{"a.b/+", "axb/c", false},
		{"a/(x)/+", "a/(x)/c", true},
		{"", "", true},
		{"", "a", false},
	}
	for _, c := range cases {
		t.Run(c.pattern+"~"+c.topic, func(t *testing.T) {
			assert.Equal(t, c.match, Compile(c.pattern).Test(c.topic))
		})
	}
}

// a pattern with exactly one wildcard matches a topic iff the segment counts are
// equal and every other segment is equal
func TestMatcherSingleWildcardProperty(t *testing.T) {
	patterns := []string{"+/b/c", "a/+/c", "a/b/+", "x/+", "+"}
	topics := []string{"a/b/c", "a/x/c", "a/b/x", "x/y", "x", "a/b/c/d", "a/b", "q/b/c", "a//c"}

	for _, p := range patterns {
		m := Compile(p)
		for _, topic := range topics {
			ps := strings.Split(p, Separator)
			ts := strings.Split(topic, Separator)
			expected := len(ps) == len(ts)
			for i := 0; expected && i < len(ps); i++ {
				if ps[i] != Wildcard && ps[i] != ts[i] {
					expected = false
				}
			}
			assert.Equal(t, expected, m.Test(topic), "pattern %s topic %s", p, topic)
		}
	}
}

func TestCompileWithCustomWildcard(t *testing.T) {
	m := CompileWith("home/*/temp", "*")
	assert.True(t, m.Test("home/kitchen/temp"))
	assert.False(t, m.Test("home/kitchen/oven/temp"))

	// with a custom token "+" is literal
	m = CompileWith("home/+/temp", "*")
	assert.False(t, m.Test("home/kitchen/temp"))
	assert.True(t, m.Test("home/+/temp"))
	assert.Equal(t, "home/+/temp", m.Pattern())
}

func TestCompileNeverPanics(t *testing.T) {
	for _, p := range []string{"[", "a/(", "\\", "#/a", "a/#/b", "++", "/"} {
		assert.NotPanics(t, func() { Compile(p).Test("a/b") }, p)
	}
}
