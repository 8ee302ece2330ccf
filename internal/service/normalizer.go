package service

import (
	"strings"

	"vlm-gateway/internal/model"
)

// Turn 从消息列表中取出的本轮输入
type Turn struct {
	SystemPrompt string
	UserText     string
	// ImageSource 最新用户消息里第一张图片的来源，没有图片时为空
	ImageSource string
}

func (t *Turn) HasImage() bool {
	return t.ImageSource != ""
}

// Normalize 取第一条 system 消息作为系统提示词，最后一条 user 消息作为本轮输入。
// 多段内容按顺序拼接文本，只保留第一张图片。
func Normalize(messages []model.ChatMessage) (*Turn, error) {
	turn := &Turn{}

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			turn.SystemPrompt = msg.Content.PlainText()
			break
		}
	}

	var last *model.ChatMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return nil, ErrNoUserMessage
	}

	if last.Content.Kind == model.ContentText {
		turn.UserText = last.Content.Text
		return turn, nil
	}

	var text strings.Builder
	for _, part := range last.Content.Parts {
		switch part.Kind {
		case model.PartText:
			text.WriteString(part.Text)
		case model.PartImage:
			if turn.ImageSource == "" && part.ImageURL != "" {
				turn.ImageSource = part.ImageURL
			}
		default:
			text.WriteString(part.Raw)
		}
	}
	turn.UserText = text.String()

	return turn, nil
}
