package sites

// Builtin returns the shipped site table. Selectors track each vendor's
// current markup and will drift; override them with a sites.yaml file.
func Builtin() []Site {
	return []Site{
		{
			ID:      "chatgpt",
			Name:    "ChatGPT",
			Origins: []string{"https://chatgpt.com", "https://chat.openai.com"},
			Selectors: Selectors{
				Stop:        `button[data-testid="stop-button"]`,
				SendEnabled: `button[data-testid="send-button"]:not([disabled])`,
				SendIdle:    `button[data-testid="send-button"][disabled], button[data-testid="composer-speech-button"]`,
				Input:       `#prompt-textarea`,
				Response:    `[data-message-author-role="assistant"]`,
			},
			InputKind: InputContentEditable,
			Submit:    SubmitClick,
		},
		{
			ID:      "claude",
			Name:    "Claude",
			Origins: []string{"https://claude.ai"},
			Selectors: Selectors{
				Stop:        `button[aria-label="Stop response"]`,
				SendEnabled: `button[aria-label="Send message"]:not([disabled])`,
				SendIdle:    `button[aria-label="Send message"][disabled]`,
				Input:       `div.ProseMirror[contenteditable="true"]`,
				Response:    `.font-claude-response`,
			},
			InputKind: InputContentEditable,
			Submit:    SubmitClick,
		},
		{
			ID:      "gemini",
			Name:    "Gemini",
			Origins: []string{"https://gemini.google.com"},
			Selectors: Selectors{
				Stop:        `button.send-button.stop`,
				SendEnabled: `button.send-button:not(.stop):not([aria-disabled="true"])`,
				SendIdle:    `button.send-button[aria-disabled="true"]`,
				Input:       `rich-textarea .ql-editor`,
				Response:    `message-content`,
			},
			InputKind: InputContentEditable,
			Submit:    SubmitClick,
		},
		{
			ID:      "deepseek",
			Name:    "DeepSeek",
			Origins: []string{"https://chat.deepseek.com"},
			Selectors: Selectors{
				Stop:        `div[role="button"]._7436101 svg rect`,
				SendEnabled: `div[role="button"]._7436101:not(.ds-button--disabled)`,
				SendIdle:    `div[role="button"]._7436101.ds-button--disabled`,
				Input:       `textarea#chat-input`,
				Response:    `.ds-markdown`,
			},
			InputKind: InputTextarea,
			Submit:    SubmitEnter,
		},
	}
}
