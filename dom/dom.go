package dom

import (
	"slices"
	"strings"
	"time"
)

// EventType names a DOM event.
type EventType string

const (
	EventInput   EventType = "input"
	EventChange  EventType = "change"
	EventClick   EventType = "click"
	EventKeyDown EventType = "keydown"
	EventUnload  EventType = "unload"
)

// Event is a DOM event delivered to a listener.
type Event struct {
	Type   EventType
	Target Node
	Key    string
	Shift  bool
}

// IsSubmitKey reports whether the event is an Enter key press without shift.
func (e Event) IsSubmitKey() bool {
	return e.Type == EventKeyDown && e.Key == "Enter" && !e.Shift
}

// Cancel detaches a listener, observer or timer. Calling it more than once is
// safe.
type Cancel func()

// Node is an element of the page.
type Node interface {
	// Matches reports whether the node matches the CSS selector.
	Matches(selector string) bool
	// Closest returns the node itself or its nearest ancestor matching the selector.
	Closest(selector string) (Node, bool)
	// Text returns the value of form controls and the text content of any
	// other element.
	Text() string
	// Listen attaches an event listener to the node.
	Listen(EventType, func(Event)) Cancel
}

// Mutation is a batch of subtree change notifications.
type Mutation struct {
	Added       []Node
	TextChanged bool
}

// Document is the page the engine runs in.
type Document interface {
	// QueryAll returns the nodes matching the selector in document order.
	QueryAll(selector string) []Node
	// Listen attaches a capture phase listener to the whole document.
	Listen(EventType, func(Event)) Cancel
	// Observe subscribes to child-added and text changes under the body.
	Observe(func(Mutation)) Cancel
}

// Loop schedules callbacks on the context's event loop.
type Loop interface {
	Now() time.Time
	AfterFunc(time.Duration, func()) Cancel
	Every(time.Duration, func()) Cancel
}

// QueryAny returns the nodes matching any of the selectors, without
// duplicates, ordered by selector priority and then document order.
func QueryAny(doc Document, selectors []string) []Node {
	var nodes []Node
	for _, sel := range selectors {
		for _, n := range doc.QueryAll(sel) {
			if !slices.Contains(nodes, n) {
				nodes = append(nodes, n)
			}
		}
	}
	return nodes
}

// LastOf returns the last node in document order matching the first selector
// that matches anything.
func LastOf(doc Document, selectors []string) (Node, bool) {
	for _, sel := range selectors {
		if nodes := doc.QueryAll(sel); len(nodes) > 0 {
			return nodes[len(nodes)-1], true
		}
	}
	return nil, false
}

// MatchesAny reports whether the node matches one of the selectors.
func MatchesAny(n Node, selectors []string) bool {
	if n == nil {
		return false
	}
	return slices.ContainsFunc(selectors, n.Matches)
}

// ClosestAny reports whether the node or one of its ancestors matches one of
// the selectors.
func ClosestAny(n Node, selectors []string) bool {
	if n == nil {
		return false
	}
	for _, sel := range selectors {
		if _, ok := n.Closest(sel); ok {
			return true
		}
	}
	return false
}

// TextOf returns the trimmed text of a node.
func TextOf(n Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Text())
}
