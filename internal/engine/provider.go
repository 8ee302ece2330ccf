package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vlm-gateway/internal/config"
	"vlm-gateway/internal/utils"
	"vlm-gateway/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
)

const (
	ProviderOpenAI = "openai"
	ProviderQwen   = "qwen"
	ProviderArk    = "ark"
)

// ModelFactory 为指定的服务端模型名创建 ChatModel
type ModelFactory func(ctx context.Context, servedModel string) (einoModel.BaseChatModel, error)

// NewModelFactory 按 provider 选择 ChatModel 实现
func NewModelFactory(cfg config.EngineConfig) (ModelFactory, error) {
	httpClient := utils.NewHTTPClient(cfg.Timeout)
	httpClient.Transport = NewDebugTransport(httpClient.Transport, cfg.DebugRequest)

	switch cfg.Provider {
	case ProviderOpenAI, "":
		return func(ctx context.Context, servedModel string) (einoModel.BaseChatModel, error) {
			logger.Infof("Using OpenAI-compatible engine: %s, BaseURL: %s", servedModel, cfg.BaseURL)
			return newOpenAIChatModel(cfg, servedModel, httpClient), nil
		}, nil
	case ProviderQwen:
		return func(ctx context.Context, servedModel string) (einoModel.BaseChatModel, error) {
			logger.Infof("Using Qwen engine: %s, BaseURL: %s", servedModel, cfg.BaseURL)
			chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
				BaseURL:    cfg.BaseURL,
				APIKey:     cfg.APIKey,
				Model:      servedModel,
				Timeout:    cfg.Timeout,
				HTTPClient: httpClient,
			})
			if err != nil {
				return nil, fmt.Errorf("create qwen model: %w", err)
			}
			return chatModel, nil
		}, nil
	case ProviderArk:
		return func(ctx context.Context, servedModel string) (einoModel.BaseChatModel, error) {
			logger.Infof("Using Ark engine: %s", servedModel)
			chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Model:   servedModel,
				CustomHeader: map[string]string{
					"X-Ark-Thinking-Mode": "disable",
				},
			})
			if err != nil {
				return nil, fmt.Errorf("create ark model: %w", err)
			}
			return chatModel, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine provider: %s", cfg.Provider)
	}
}

// DebugTransport 记录发往推理后端的请求，敏感请求头脱敏
type DebugTransport struct {
	base         http.RoundTripper
	debugEnabled bool
}

func NewDebugTransport(base http.RoundTripper, debugEnabled bool) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{
		base:         base,
		debugEnabled: debugEnabled,
	}
}

// RoundTrip 实现http.RoundTripper接口
func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.debugEnabled && req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil && t.debugEnabled {
		logger.Errorf("🚨 [Engine Debug] Request failed: %v", err)
	}

	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	logger.Infof("🔍 [Engine Debug] %s %s", req.Method, req.URL.String())

	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			logger.Infof("🔍 [Engine Debug]   %s: [REDACTED]", name)
		} else {
			logger.Infof("🔍 [Engine Debug]   %s: %s", name, strings.Join(values, ", "))
		}
	}

	if req.Body == nil {
		return
	}
	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		logger.Errorf("🚨 [Engine Debug] Failed to read request body: %v", err)
		return
	}
	// 恢复请求体，以免影响实际请求
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	logger.Infof("🔍 [Engine Debug] Request Body: %s", truncateForLog(string(bodyBytes), 2048))
	logger.Infof("🔍 [Engine Debug] Request Body Size: %d bytes", len(bodyBytes))
}

func isSensitiveHeader(name string) bool {
	for _, sensitive := range []string{"authorization", "x-api-key", "x-auth-token", "cookie"} {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}

// 图片 data URL 很长，日志里只保留前缀
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("...(%d bytes omitted)", len(s)-max)
}
