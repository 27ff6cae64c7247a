package dom

import "strings"

// TextSource reads candidate text from the page. It is one step of a fallback
// chain.
type TextSource struct {
	Name string
	Read func(Document) (string, bool)
}

// FromSelectors reads the last non-empty node matching one of the selectors.
func FromSelectors(name string, selectors []string) TextSource {
	return TextSource{
		Name: name,
		Read: func(doc Document) (string, bool) {
			nodes := QueryAny(doc, selectors)
			for i := len(nodes) - 1; i >= 0; i-- {
				if text := TextOf(nodes[i]); text != "" {
					return text, true
				}
			}
			return "", false
		},
	}
}

// FromFunc reads text from a callback, typically a value remembered earlier.
func FromFunc(name string, fn func() string) TextSource {
	return TextSource{
		Name: name,
		Read: func(Document) (string, bool) {
			text := strings.TrimSpace(fn())
			return text, text != ""
		},
	}
}

// Static always yields the same text. It is meant to end a chain.
func Static(name, text string) TextSource {
	return TextSource{
		Name: name,
		Read: func(Document) (string, bool) {
			return text, text != ""
		},
	}
}

// Chain is an ordered list of text sources.
type Chain []TextSource

// Read evaluates the sources in order and returns the first text found along
// with the name of the source that produced it.
func (c Chain) Read(doc Document) (text, source string, ok bool) {
	for _, src := range c {
		if src.Read == nil {
			continue
		}
		if text, ok := src.Read(doc); ok {
			return text, src.Name, true
		}
	}
	return "", "", false
}
