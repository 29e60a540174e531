// Package topics maps dot-hierarchical bus topics onto hub broadcast namespaces.
package topics

import "strings"

// DefaultNamespace the namespace every client joins and every unmapped topic lands in
const DefaultNamespace = "/"

// allowlist of topic prefixes which select their own namespace
var namespaceSegments = []string{"hook", "system", "session", "claude", "memory"}

// Route where a topic is broadcast
type Route struct {
	// Namespace is the hub namespace, e.g. "/hook"
	Namespace string `json:"namespace"`
	// EventName is the event name within the namespace
	EventName string `json:"event"`
}

// MapTopic map a topic onto its hub route.
//
// The first dot segment selects the namespace when it is in the allowlist and is followed by a
// non-empty remainder; every other topic is sent whole to the default namespace.
func MapTopic(topic string) Route {
	segment, remainder, found := strings.Cut(topic, ".")
	if found && remainder != "" && isSegment(segment) {
		return Route{Namespace: "/" + segment, EventName: remainder}
	}
	return Route{Namespace: DefaultNamespace, EventName: topic}
}

// TopicFor the inverse of MapTopic
func TopicFor(namespace, eventName string) string {
	segment := strings.TrimPrefix(namespace, "/")
	if segment == "" || !isSegment(segment) {
		return eventName
	}
	return segment + "." + eventName
}

// Namespaces all known namespaces, default namespace first
func Namespaces() []string {
	result := []string{DefaultNamespace}
	for _, segment := range namespaceSegments {
		result = append(result, "/"+segment)
	}
	return result
}

// NormalizeNamespace accept "hook", "/hook" or "" and return the canonical form.
// Returns false for namespaces outside the allowlist.
func NormalizeNamespace(namespace string) (string, bool) {
	segment := strings.Trim(strings.TrimSpace(namespace), "/")
	if segment == "" {
		return DefaultNamespace, true
	}
	if !isSegment(segment) {
		return "", false
	}
	return "/" + segment, true
}

// IsNamespace whether namespace is a canonical known namespace
func IsNamespace(namespace string) bool {
	if namespace == DefaultNamespace {
		return true
	}
	return strings.HasPrefix(namespace, "/") && isSegment(namespace[1:])
}

// HasNamespacePrefix whether the topic already starts with an allowlisted segment
func HasNamespacePrefix(topic string) bool {
	return MapTopic(topic).Namespace != DefaultNamespace
}

func isSegment(segment string) bool {
	for _, known := range namespaceSegments {
		if segment == known {
			return true
		}
	}
	return false
}
