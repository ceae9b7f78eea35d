package openai

// DoneSentinel terminates a chat completion event stream.
const DoneSentinel = "[DONE]"

// ChatCompletionChunk represents one record of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Delta returns the first choice's delta.
func (c *ChatCompletionChunk) Delta() ChatMessageDelta {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta
	}
	return ChatMessageDelta{}
}

// FinishReason returns the first choice's finish reason, nil while streaming.
func (c *ChatCompletionChunk) FinishReason() *string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return nil
}

// Stopped reports whether the chunk is the closing "stop" record.
func (c *ChatCompletionChunk) Stopped() bool {
	fr := c.FinishReason()
	return fr != nil && *fr == "stop"
}
