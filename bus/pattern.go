package bus

import (
	"fmt"
	"strings"
)

// ErrInvalidPattern the subscription pattern is not supported
var ErrInvalidPattern = fmt.Errorf("invalid topic pattern")

// topicPattern a parsed subscription pattern
//
// "*" matches every topic, "foo.*" matches every topic beginning with "foo.", anything else is
// an exact match.
type topicPattern struct {
	raw    string
	prefix string
	any    bool
	exact  bool
}

func parsePattern(raw string) (topicPattern, error) {
	switch {
	case raw == "":
		return topicPattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	case raw == "*":
		return topicPattern{raw: raw, any: true}, nil
	case strings.HasSuffix(raw, ".*"):
		prefix := strings.TrimSuffix(raw, "*")
		if prefix == "." || strings.Contains(prefix, "*") {
			return topicPattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, raw)
		}
		return topicPattern{raw: raw, prefix: prefix}, nil
	case strings.Contains(raw, "*"):
		return topicPattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, raw)
	default:
		return topicPattern{raw: raw, exact: true}, nil
	}
}

func (p topicPattern) matches(topic string) bool {
	switch {
	case p.any:
		return true
	case p.exact:
		return topic == p.raw
	default:
		return strings.HasPrefix(topic, p.prefix)
	}
}
