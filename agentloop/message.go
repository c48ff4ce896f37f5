package agentloop

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TimeToLive marks a message for removal at a loop checkpoint.
type TimeToLive string

const (
	// TTLUserPrompt messages are removed when the turn ends.
	TTLUserPrompt TimeToLive = "userPrompt"
	// TTLAgentStep messages are removed after the step that added them.
	TTLAgentStep TimeToLive = "agentStep"
)

// PartKind is the discriminator for ContentPart.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartToolCall PartKind = "tool_call"
	PartJSON     PartKind = "json"
)

// ContentPart is one typed piece of a message.
type ContentPart struct {
	Kind      PartKind  `json:"type"`
	Text      string    `json:"text,omitempty"`
	Image     string    `json:"image,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	ToolCall  *ToolCall `json:"toolCall,omitempty"`
	Value     any       `json:"value,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// JSONPart creates a json ContentPart.
func JSONPart(v any) ContentPart {
	return ContentPart{Kind: PartJSON, Value: v}
}

// ImagePart creates an image ContentPart from a URL or data URI.
func ImagePart(image, mediaType string) ContentPart {
	return ContentPart{Kind: PartImage, Image: image, MediaType: mediaType}
}

// Message is one entry of an agent's conversation history.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	ToolName   string        `json:"toolName,omitempty"`

	TimeToLive           TimeToLive `json:"timeToLive,omitempty"`
	KeepDuringTruncation bool       `json:"keepDuringTruncation,omitempty"`
	KeepLastTags         []string   `json:"keepLastTags,omitempty"`
	SentAt               time.Time  `json:"sentAt,omitzero"`
}

// UserText creates a user message with a single text part.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantText creates an assistant message with a single text part.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// SystemText creates a system message with a single text part.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// Text returns the message's text parts joined together. JSON parts are
// rendered as compact JSON; tool call parts are rendered in their wire form.
func (m Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Content {
		switch part.Kind {
		case PartText:
			sb.WriteString(part.Text)
		case PartJSON:
			data, err := json.Marshal(part.Value)
			if err == nil {
				sb.Write(data)
			}
		case PartToolCall:
			if part.ToolCall != nil {
				sb.WriteString(FormatToolCall(*part.ToolCall))
			}
		}
	}
	return sb.String()
}

// ExpireMessages returns history without messages whose TimeToLive has run
// out at the given checkpoint. The end of a user prompt also ends any agent
// step. KeepLastTags are applied afterwards: a tagged message is dropped when
// a later message carries one of the same tags.
func ExpireMessages(history []Message, at TimeToLive) []Message {
	kept := make([]Message, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.KeepDuringTruncation:
		case msg.TimeToLive == TTLAgentStep:
			continue
		case msg.TimeToLive == TTLUserPrompt && at == TTLUserPrompt:
			continue
		}
		kept = append(kept, msg)
	}
	return applyKeepLastTags(kept)
}

func applyKeepLastTags(history []Message) []Message {
	seen := make(map[string]bool)
	drop := make([]bool, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		tags := history[i].KeepLastTags
		if len(tags) == 0 {
			continue
		}
		for _, tag := range tags {
			if seen[tag] {
				drop[i] = true
			}
		}
		for _, tag := range tags {
			seen[tag] = true
		}
	}

	out := history[:0]
	for i, msg := range history {
		if !drop[i] {
			out = append(out, msg)
		}
	}
	return out
}

// lastAssistantText returns the text of the newest assistant message that has
// any text content.
func lastAssistantText(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleAssistant {
			continue
		}
		var sb strings.Builder
		for _, part := range history[i].Content {
			if part.Kind == PartText {
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}
