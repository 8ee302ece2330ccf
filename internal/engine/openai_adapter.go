package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"vlm-gateway/internal/config"
	"vlm-gateway/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

type openaiChatModel struct {
	client *openai.Client
	model  string
}

func newOpenAIChatModel(cfg config.EngineConfig, model string, httpClient *http.Client) *openaiChatModel {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &openaiChatModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// 实现eino.ChatModel接口
func (m *openaiChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	logger.Debugf("🔍 [OpenAI] Generate 开始 - 模型: %s, 消息数量: %d", m.model, len(messages))

	resp, err := m.client.CreateChatCompletion(ctx, m.buildRequest(messages, false, opts...))
	if err != nil {
		logger.Debugf("🔍 [OpenAI] API调用失败: %v", err)
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	logger.Debugf("🔍 [OpenAI] API调用成功，返回内容长度: %d", len(resp.Choices[0].Message.Content))

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (m *openaiChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.buildRequest(messages, true, opts...))
	if err != nil {
		return nil, err
	}

	reader, writer := schema.Pipe[*schema.Message](100)

	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					writer.Send(nil, err)
				}
				return
			}

			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				writer.Send(&schema.Message{
					Role:    schema.Assistant,
					Content: response.Choices[0].Delta.Content,
				}, nil)
			}
		}
	}()

	return reader, nil
}

func (m *openaiChatModel) BindTools(tools []*schema.ToolInfo) error {
	// 网关不做 function calling
	return nil
}

func (m *openaiChatModel) buildRequest(messages []*schema.Message, stream bool, opts ...einoModel.Option) openai.ChatCompletionRequest {
	options := einoModel.GetCommonOptions(&einoModel.Options{}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: m.convertMessages(messages),
		Stream:   stream,
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	return req
}

// 消息格式转换，多段内容映射为 OpenAI 的 text / image_url 分段
func (m *openaiChatModel) convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == schema.Assistant {
			role = openai.ChatMessageRoleAssistant
		} else if msg.Role == schema.System {
			role = openai.ChatMessageRoleSystem
		}

		if len(msg.MultiContent) == 0 {
			// 跳过空的assistant消息，这些消息可能导致API错误
			if msg.Content == "" && role == openai.ChatMessageRoleAssistant {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Content,
			})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(msg.MultiContent))
		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: part.ImageURL.URL,
					},
				})
			}
		}

		result = append(result, openai.ChatCompletionMessage{
			Role:         role,
			MultiContent: parts,
		})
	}

	return result
}
