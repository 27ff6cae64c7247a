package sites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	registry := Default()

	tests := []struct {
		input   string
		name    string
		model   string
		host    string
		generic bool
	}{
		{"claude.ai", "Claude", "claude", "claude.ai", false},
		{"https://claude.ai/chat/abc", "Claude", "claude", "claude.ai", false},
		{"https://chatgpt.com/c/123", "ChatGPT", "gpt-4o", "chatgpt.com", false},
		{"chat.openai.com", "ChatGPT", "gpt-4o", "chat.openai.com", false},
		{"https://www.perplexity.ai/search?q=x", "Perplexity", "perplexity", "www.perplexity.ai", false},
		{"https://www.bing.com/chat?form=x", "Copilot", "gpt-4", "www.bing.com", false},
		{"https://www.bing.com/search?q=x", "Generic", "default", "www.bing.com", true},
		{"HTTPS://Gemini.Google.com/app", "Gemini", "gemini", "gemini.google.com", false},
		{"example.org", "Generic", "default", "example.org", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg := registry.Resolve(tt.input)
			require.NotNil(t, cfg)
			assert.Equal(t, tt.name, cfg.Name)
			assert.Equal(t, tt.model, cfg.Model)
			assert.Equal(t, tt.host, cfg.Host)
			assert.Equal(t, tt.generic, cfg.Generic)
		})
	}

	t.Run("no host", func(t *testing.T) {
		assert.Nil(t, registry.Resolve(""))
		assert.Nil(t, registry.Resolve("   "))
		assert.Nil(t, registry.Resolve("https://"))
	})

	t.Run("lookalike hosts do not match", func(t *testing.T) {
		assert.False(t, registry.IsAISite("notclaude.ai"))
		assert.True(t, registry.IsAISite("eu.claude.ai"))
	})
}

func TestRegistryIsExtensibleByRows(t *testing.T) {
	registry := NewRegistry(SiteConfig{Name: "fallback", Model: "default"})
	assert.False(t, registry.IsAISite("chat.mistral.ai"))

	registry.Add("chat.mistral.ai", SiteConfig{Name: "Le Chat", Model: "mistral", Selectors: GenericSelectors})
	cfg := registry.Resolve("https://chat.mistral.ai/chat")
	require.NotNil(t, cfg)
	assert.Equal(t, "mistral", cfg.Model)
	assert.Equal(t, []string{"chat.mistral.ai"}, registry.Patterns())
}

func TestRowsAreEvaluatedInOrder(t *testing.T) {
	registry := NewRegistry(SiteConfig{Name: "fallback"}).
		Add("example.com/chat", SiteConfig{Name: "chat"}).
		Add("example.com", SiteConfig{Name: "site"})

	assert.Equal(t, "chat", registry.Resolve("example.com/chat/1").Name)
	assert.Equal(t, "site", registry.Resolve("example.com/about").Name)
	assert.Equal(t, 2, registry.Len())
}

func TestDefaultTableCoversKnownHosts(t *testing.T) {
	registry := Default()
	for _, host := range []string{
		"chat.openai.com", "chatgpt.com", "bard.google.com", "gemini.google.com", "claude.ai",
		"perplexity.ai", "notion.so", "writesonic.com", "jasper.ai", "bing.com/chat", "you.com",
		"huggingface.co", "runwayml.com", "character.ai", "poe.com", "cohere.com", "anthropic.com",
		"replicate.com",
	} {
		assert.True(t, registry.IsAISite(host), host)
	}
	assert.True(t, registry.Generic().Generic)
}
