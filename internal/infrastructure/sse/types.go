package sse

// Wire shapes for OpenAI chat.completion.chunk payloads. Only the fields
// the parser interprets are declared; everything else passes through
// untouched in the recorded bytes.

type chunkData struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *usageData    `json:"usage"`
}

type chunkChoice struct {
	Index        int       `json:"index"`
	Delta        deltaData `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type deltaData struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function functionDelta `json:"function"`
}

type functionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usageData struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
