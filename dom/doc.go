// Package dom describes the capabilities the capture engine needs from a
// page: querying elements, listening to events, observing subtree changes and
// scheduling timers. The browser glue implements these interfaces; tests use
// the in-memory fakes from package domtest.
package dom
