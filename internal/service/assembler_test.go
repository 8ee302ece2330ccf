package service

import (
	"strings"
	"testing"

	"vlm-gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCompletion(t *testing.T) {
	resp := BuildCompletion("chatcmpl-1", "m", &CompletionResult{
		Text:                    "a b c",
		PromptTokenEstimate:     2,
		CompletionTokenEstimate: 3,
	})

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, model.ObjectChatCompletion, resp.Object)
	assert.Equal(t, "m", resp.Model)
	assert.NotZero(t, resp.Created)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, model.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "a b c", resp.Choices[0].Message.Content)
	assert.Equal(t, model.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.Equal(t, model.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}, resp.Usage)
}

func TestNewCompletionID(t *testing.T) {
	a, b := NewCompletionID(), NewCompletionID()
	assert.True(t, strings.HasPrefix(a, "chatcmpl-"))
	assert.NotEqual(t, a, b)
}
