// Package sites maps AI chat hosts to the model they serve and the DOM
// selectors that locate prompts and responses on their pages.
//
// The registry is an ordered table: rows are evaluated in insertion order and
// the first matching pattern wins, so more specific patterns go first. Adding
// a site is adding a row.
package sites

import (
	"net/url"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Selectors are the CSS selectors used on a site, in priority order.
type Selectors struct {
	Input          []string `json:"input" toml:"input"`
	SecondaryInput []string `json:"secondaryInput" toml:"secondary_input"`
	Send           []string `json:"send" toml:"send"`
	Response       []string `json:"response" toml:"response"`
	UserTurn       []string `json:"userTurn" toml:"user_turn"`
}

// SiteConfig describes one AI chat site.
type SiteConfig struct {
	Name      string    `json:"name" toml:"name"`
	Model     string    `json:"model" toml:"model"`
	Selectors Selectors `json:"selectors" toml:"selectors"`
	// Host is the host the config was resolved for. It is empty in table rows.
	Host string `json:"host,omitempty" toml:"-"`
	// Generic is set on the fallback config used for hosts without a row.
	Generic bool `json:"generic,omitempty" toml:"-"`
}

// Registry is an ordered table of host patterns. A pattern is a host name,
// optionally followed by a path prefix, e.g. "bing.com/chat". Sub-domains of
// the host match as well.
type Registry struct {
	rows    *orderedmap.OrderedMap[string, SiteConfig]
	generic SiteConfig
}

// NewRegistry creates an empty registry with the given fallback config.
func NewRegistry(generic SiteConfig) *Registry {
	generic.Generic = true
	return &Registry{
		rows:    orderedmap.New[string, SiteConfig](),
		generic: generic,
	}
}

// Add appends a row. Adding an existing pattern replaces its config in place.
func (r *Registry) Add(pattern string, cfg SiteConfig) *Registry {
	r.rows.Set(strings.ToLower(strings.TrimSpace(pattern)), cfg)
	return r
}

// Len returns the number of rows.
func (r *Registry) Len() int {
	return r.rows.Len()
}

// Patterns returns the patterns in evaluation order.
func (r *Registry) Patterns() []string {
	patterns := make([]string, 0, r.rows.Len())
	for pair := r.rows.Oldest(); pair != nil; pair = pair.Next() {
		patterns = append(patterns, pair.Key)
	}
	return patterns
}

// Generic returns the fallback config.
func (r *Registry) Generic() SiteConfig {
	return r.generic
}

// Match returns the row matching hostOrURL, if any.
func (r *Registry) Match(hostOrURL string) (SiteConfig, bool) {
	host, path, ok := split(hostOrURL)
	if !ok {
		return SiteConfig{}, false
	}
	for pair := r.rows.Oldest(); pair != nil; pair = pair.Next() {
		if matches(pair.Key, host, path) {
			cfg := pair.Value
			cfg.Host = host
			return cfg, true
		}
	}
	return SiteConfig{}, false
}

// IsAISite reports whether hostOrURL matches a row of the table.
func (r *Registry) IsAISite(hostOrURL string) bool {
	_, ok := r.Match(hostOrURL)
	return ok
}

// Resolve returns the config for hostOrURL. Hosts without a row get the
// generic config; nil is returned only when no host can be extracted.
func (r *Registry) Resolve(hostOrURL string) *SiteConfig {
	if cfg, ok := r.Match(hostOrURL); ok {
		return &cfg
	}
	host, _, ok := split(hostOrURL)
	if !ok {
		return nil
	}
	cfg := r.generic
	cfg.Host = host
	return &cfg
}

func split(hostOrURL string) (host, path string, ok bool) {
	raw := strings.ToLower(strings.TrimSpace(hostOrURL))
	if raw == "" {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	return u.Hostname(), u.EscapedPath(), true
}

func matches(pattern, host, path string) bool {
	patternHost, patternPath, _ := strings.Cut(pattern, "/")
	if host != patternHost && !strings.HasSuffix(host, "."+patternHost) {
		return false
	}
	if patternPath == "" {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(path, "/"), patternPath)
}
