// Package domtest provides an in-memory document and a manual clock that
// implement the dom interfaces for tests.
package domtest

import (
	"slices"
	"sync"

	"github.com/casualjim/wastewatch/dom"
)

var (
	_ dom.Document = (*Document)(nil)
	_ dom.Node     = (*Element)(nil)
)

type listener struct {
	event dom.EventType
	fn    func(dom.Event)
}

type observer struct {
	fn func(dom.Mutation)
}

// Document is a flat list of elements. Elements match the selectors they were
// created with; an element created under a parent also matches its parent's
// selectors through Closest.
type Document struct {
	mu        sync.Mutex
	elements  []*Element
	listeners []*listener
	observers []*observer
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{}
}

// Add appends an element matching selectors and notifies observers.
func (d *Document) Add(text string, selectors ...string) *Element {
	return d.AddChild(nil, text, selectors...)
}

// AddChild appends an element under parent and notifies observers.
func (d *Document) AddChild(parent *Element, text string, selectors ...string) *Element {
	el := &Element{doc: d, parent: parent, text: text, selectors: selectors}
	d.mu.Lock()
	d.elements = append(d.elements, el)
	d.mu.Unlock()
	d.notify(dom.Mutation{Added: []dom.Node{el}})
	return el
}

// Remove takes an element out of the document.
func (d *Document) Remove(el *Element) {
	d.mu.Lock()
	d.elements = slices.DeleteFunc(d.elements, func(e *Element) bool { return e == el })
	d.mu.Unlock()
	d.notify(dom.Mutation{})
}

// Listeners returns the number of document level listeners.
func (d *Document) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Observers returns the number of active subtree observers.
func (d *Document) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// QueryAll implements dom.Document.
func (d *Document) QueryAll(selector string) []dom.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	var nodes []dom.Node
	for _, el := range d.elements {
		if el.Matches(selector) {
			nodes = append(nodes, el)
		}
	}
	return nodes
}

// Listen implements dom.Document.
func (d *Document) Listen(event dom.EventType, fn func(dom.Event)) dom.Cancel {
	l := &listener{event: event, fn: fn}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.listeners = slices.DeleteFunc(d.listeners, func(x *listener) bool { return x == l })
		d.mu.Unlock()
	}
}

// Observe implements dom.Document.
func (d *Document) Observe(fn func(dom.Mutation)) dom.Cancel {
	o := &observer{fn: fn}
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.observers = slices.DeleteFunc(d.observers, func(x *observer) bool { return x == o })
		d.mu.Unlock()
	}
}

// Dispatch delivers an event to the document listeners first, as a capture
// phase listener would see it, and then to the target's own listeners.
func (d *Document) Dispatch(ev dom.Event) {
	d.mu.Lock()
	docListeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, l := range docListeners {
		if l.event == ev.Type {
			l.fn(ev)
		}
	}
	if el, ok := ev.Target.(*Element); ok {
		for _, l := range el.snapshotListeners() {
			if l.event == ev.Type {
				l.fn(ev)
			}
		}
	}
}

func (d *Document) notify(m dom.Mutation) {
	d.mu.Lock()
	observers := slices.Clone(d.observers)
	d.mu.Unlock()
	for _, o := range observers {
		o.fn(m)
	}
}

// Element is a node of the fake document.
type Element struct {
	doc       *Document
	parent    *Element
	selectors []string

	mu        sync.Mutex
	text      string
	listeners []*listener
}

// Matches implements dom.Node.
func (e *Element) Matches(selector string) bool {
	return slices.Contains(e.selectors, selector)
}

// Closest implements dom.Node.
func (e *Element) Closest(selector string) (dom.Node, bool) {
	for el := e; el != nil; el = el.parent {
		if el.Matches(selector) {
			return el, true
		}
	}
	return nil, false
}

// Text implements dom.Node.
func (e *Element) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

// Listen implements dom.Node.
func (e *Element) Listen(event dom.EventType, fn func(dom.Event)) dom.Cancel {
	l := &listener{event: event, fn: fn}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.listeners = slices.DeleteFunc(e.listeners, func(x *listener) bool { return x == l })
		e.mu.Unlock()
	}
}

// Listeners returns the number of listeners attached to the element.
func (e *Element) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// SetText replaces the text and notifies observers, like a streamed response
// being rendered.
func (e *Element) SetText(text string) {
	e.mu.Lock()
	e.text = text
	e.mu.Unlock()
	e.doc.notify(dom.Mutation{TextChanged: true})
}

// Type replaces the value of an input and fires an input event.
func (e *Element) Type(text string) {
	e.mu.Lock()
	e.text = text
	e.mu.Unlock()
	e.doc.Dispatch(dom.Event{Type: dom.EventInput, Target: e})
}

// Click fires a click event on the element.
func (e *Element) Click() {
	e.doc.Dispatch(dom.Event{Type: dom.EventClick, Target: e})
}

// PressEnter fires an Enter keydown on the element.
func (e *Element) PressEnter(shift bool) {
	e.doc.Dispatch(dom.Event{Type: dom.EventKeyDown, Target: e, Key: "Enter", Shift: shift})
}

func (e *Element) snapshotListeners() []*listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.listeners)
}
