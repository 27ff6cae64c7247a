package sites

// GenericSelectors are used on hosts whose markup is not known in advance.
var GenericSelectors = Selectors{
	Input:          []string{"textarea", "input[type='text']", "[role='textbox']"},
	SecondaryInput: []string{"[contenteditable='true']"},
	Send:           []string{"button[type='submit']", "button[aria-label*='Send']"},
	Response:       []string{"[data-message-author-role='assistant']", ".markdown", ".prose"},
	UserTurn:       []string{"[data-message-author-role='user']"},
}

var chatGPT = SiteConfig{
	Name:  "ChatGPT",
	Model: "gpt-4o",
	Selectors: Selectors{
		Input:          []string{"#prompt-textarea", "textarea"},
		SecondaryInput: []string{"[contenteditable='true']"},
		Send:           []string{"button[data-testid='send-button']"},
		Response:       []string{"[data-message-author-role='assistant']"},
		UserTurn:       []string{"[data-message-author-role='user']"},
	},
}

var claude = SiteConfig{
	Name:  "Claude",
	Model: "claude",
	Selectors: Selectors{
		Input:          []string{"[role='textbox']", "div.ProseMirror"},
		SecondaryInput: []string{"textarea"},
		Send:           []string{"button[aria-label='Send message']", "button[aria-label='Send Message']"},
		Response:       []string{".font-claude-message", "[data-is-streaming]"},
		UserTurn:       []string{"[data-testid='user-message']"},
	},
}

var perplexity = SiteConfig{
	Name:  "Perplexity",
	Model: "perplexity",
	Selectors: Selectors{
		Input:          []string{"textarea"},
		SecondaryInput: []string{"[contenteditable='true']"},
		Send:           []string{"button[aria-label='Submit']", "button[aria-label='Search']"},
		Response:       []string{".prose"},
		UserTurn:       []string{"h1.group\\/query", "[data-testid='user-query']"},
	},
}

var gemini = SiteConfig{
	Name:  "Gemini",
	Model: "gemini",
	Selectors: Selectors{
		Input:          []string{"rich-textarea [contenteditable='true']"},
		SecondaryInput: []string{"textarea"},
		Send:           []string{"button[aria-label='Send message']"},
		Response:       []string{"message-content"},
		UserTurn:       []string{"user-query"},
	},
}

func generic(name, model string) SiteConfig {
	return SiteConfig{Name: name, Model: model, Selectors: GenericSelectors}
}

// Default returns the registry of known AI chat sites.
func Default() *Registry {
	return NewRegistry(generic("Generic", "default")).
		Add("chat.openai.com", chatGPT).
		Add("chatgpt.com", chatGPT).
		Add("gemini.google.com", gemini).
		Add("bard.google.com", gemini).
		Add("claude.ai", claude).
		Add("perplexity.ai", perplexity).
		Add("bing.com/chat", generic("Copilot", "gpt-4")).
		Add("notion.so", generic("Notion AI", "default")).
		Add("writesonic.com", generic("Writesonic", "default")).
		Add("jasper.ai", generic("Jasper", "default")).
		Add("you.com", generic("You.com", "default")).
		Add("huggingface.co", generic("Hugging Face", "default")).
		Add("runwayml.com", generic("Runway", "default")).
		Add("character.ai", generic("Character.AI", "default")).
		Add("poe.com", generic("Poe", "default")).
		Add("cohere.com", generic("Cohere", "default")).
		Add("anthropic.com", generic("Anthropic", "claude")).
		Add("replicate.com", generic("Replicate", "default"))
}
