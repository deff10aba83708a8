// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package topic compiles subscription patterns into matchers for topic strings.

Topics are "/"-delimited. A pattern segment equal to the wildcard token
matches exactly one arbitrary segment, a final "#" segment matches all
remaining segments, every other segment must match literally:

	home/+/temp   matches home/kitchen/temp
	home/+/temp   does not match home/kitchen/oven/temp
	home/#        matches home/kitchen/oven/temp

Compile never fails. A pattern that makes no sense simply does not match
anything meaningful; this is a known looseness which callers rely on.
*/
package topic

import (
	"regexp"
	"strings"
)

const (
	// Separator separates the segments of a topic
	Separator = "/"
	// Wildcard is the default single-segment wildcard token
	Wildcard = "+"
	// MultiLevelWildcard matches all remaining segments when it is the last pattern segment
	MultiLevelWildcard = "#"
)

// Matcher tests topic strings against one compiled pattern
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile compiles the pattern with the default wildcard token
func Compile(pattern string) *Matcher {
	return CompileWith(pattern, Wildcard)
}

// CompileWith compiles the pattern with the given single-segment wildcard token.
// The pattern is translated into one anchored regular expression over the full
// topic, not into a per-segment comparison.
func CompileWith(pattern, wildcard string) *Matcher {
	segments := strings.Split(pattern, Separator)
	var sb strings.Builder
	sb.WriteString("^")
	for i, segment := range segments {
		last := i == len(segments)-1
		switch {
		case last && segment == MultiLevelWildcard && i > 0:
			// "a/#" also matches "a"
			sb.WriteString("(?:/.*)?")
			sb.WriteString("$")
			return &Matcher{pattern: pattern, re: regexp.MustCompile(sb.String())}
		case last && segment == MultiLevelWildcard:
			sb.WriteString(".*")
			continue
		}
		if i > 0 {
			sb.WriteString(regexp.QuoteMeta(Separator))
		}
		if wildcard != "" && segment == wildcard {
			sb.WriteString("[^/]*")
		} else {
			sb.WriteString(regexp.QuoteMeta(segment))
		}
	}
	sb.WriteString("$")
	return &Matcher{pattern: pattern, re: regexp.MustCompile(sb.String())}
}

// Test returns true if the topic matches the compiled pattern
func (m *Matcher) Test(topic string) bool {
	return m.re.MatchString(topic)
}

// Pattern returns the pattern the matcher was compiled from
func (m *Matcher) Pattern() string {
	return m.pattern
}

// String returns the pattern
func (m *Matcher) String() string {
	return m.pattern
}
