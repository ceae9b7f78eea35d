package openai

import "time"

// ChatCompletionRequest captures the subset of OpenAI's request the relay sends.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema, plain text only.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewQuestionRequest builds the two-message request used for every question:
// a system instruction followed by the user's question.
func NewQuestionRequest(model, systemPrompt, question string, stream bool) ChatCompletionRequest {
	var msgs []ChatMessage
	if systemPrompt != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, ChatMessage{Role: "user", Content: question})
	return ChatCompletionRequest{Model: model, Messages: msgs, Stream: stream}
}

// Question returns the content of the last user message.
func (r ChatCompletionRequest) Question() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageBreakdown         `json:"usage"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
}

// UsageBreakdown carries provider token accounting.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Text returns the first choice's content, or "" when there is none.
func (r ChatCompletionResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// NewCompletionResponse builds a single-choice response, used by local adapters.
func NewCompletionResponse(id, model string, message ChatMessage, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      message,
		}},
		Usage: usage,
	}
}

// ApproxTokens estimates a token count from text length (about four bytes per
// token), for ledger entries where the provider reports no usage.
func ApproxTokens(text string) int {
	return ApproxTokenCount(len(text))
}

// ApproxTokenCount is ApproxTokens for a byte length.
func ApproxTokenCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
