package service

import (
	"time"

	"vlm-gateway/internal/model"

	"github.com/google/uuid"
)

func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// BuildCompletion 组装非流式响应
func BuildCompletion(id, modelID string, result *CompletionResult) *model.ChatCompletionResponse {
	return &model.ChatCompletionResponse{
		ID:      id,
		Object:  model.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []model.Choice{{
			Index: 0,
			Message: model.ResponseMessage{
				Role:    model.RoleAssistant,
				Content: result.Text,
			},
			FinishReason: model.FinishReasonStop,
		}},
		Usage: model.Usage{
			PromptTokens:     result.PromptTokenEstimate,
			CompletionTokens: result.CompletionTokenEstimate,
			TotalTokens:      result.PromptTokenEstimate + result.CompletionTokenEstimate,
		},
	}
}
