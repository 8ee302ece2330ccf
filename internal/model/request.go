package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages" binding:"required"`
	Temperature      *float32        `json:"temperature,omitempty"`
	TopP             *float32        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	PresencePenalty  *float32        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

type ReloadRequest struct {
	Model string `json:"model"`
}

// ContentKind 区分纯文本和多段内容
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentParts
)

type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image_url"
	// PartOther 无法识别的分段，按字符串形式拼入文本
	PartOther PartKind = "other"
)

// MessageContent 消息内容：字符串或有序分段列表，入口处解析一次
type MessageContent struct {
	Kind  ContentKind
	Text  string
	Parts []ContentPart
}

type ContentPart struct {
	Kind     PartKind
	Text     string
	ImageURL string
	// Raw 对 PartOther 保存其字符串形式
	Raw string
}

var ErrInvalidContent = errors.New("content must be a string or an array of content parts")

func TextContent(s string) MessageContent {
	return MessageContent{Kind: ContentText, Text: s}
}

func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Kind: ContentParts, Parts: parts}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = TextContent("")
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parts := make([]ContentPart, 0, len(raw))
		for _, item := range raw {
			parts = append(parts, parsePart(item))
		}
		*c = PartsContent(parts...)
		return nil
	default:
		return ErrInvalidContent
	}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Kind == ContentText {
		return json.Marshal(c.Text)
	}

	items := make([]interface{}, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Kind {
		case PartText:
			items = append(items, map[string]interface{}{"type": "text", "text": p.Text})
		case PartImage:
			items = append(items, map[string]interface{}{
				"type":      "image_url",
				"image_url": map[string]string{"url": p.ImageURL},
			})
		default:
			items = append(items, json.RawMessage(rawOrString(p.Raw)))
		}
	}
	return json.Marshal(items)
}

// PlainText 拼接所有文本分段，无法识别的分段取字符串形式
func (c MessageContent) PlainText() string {
	if c.Kind == ContentText {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		switch p.Kind {
		case PartText:
			b.WriteString(p.Text)
		case PartOther:
			b.WriteString(p.Raw)
		}
	}
	return b.String()
}

type rawPart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
}

func parsePart(item json.RawMessage) ContentPart {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p rawPart
		if err := json.Unmarshal(trimmed, &p); err == nil {
			switch p.Type {
			case "text":
				text := ""
				if p.Text != nil {
					text = *p.Text
				}
				return ContentPart{Kind: PartText, Text: text}
			case "image_url":
				return ContentPart{Kind: PartImage, ImageURL: imageURLFrom(p.ImageURL)}
			}
		}
	}
	return ContentPart{Kind: PartOther, Raw: stringForm(trimmed)}
}

// image_url 可以是 {"url": "..."} 或直接的字符串
func imageURLFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// JSON 字符串取其值，其他类型保留原始 JSON 文本
func stringForm(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func rawOrString(raw string) []byte {
	if json.Valid([]byte(raw)) {
		return []byte(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}
