package service

import (
	"context"
	"time"

	"vlm-gateway/internal/config"
	"vlm-gateway/internal/imaging"
	"vlm-gateway/internal/model"
	"vlm-gateway/internal/resolver"
	"vlm-gateway/pkg/logger"
)

const notLoaded = "not loaded"

// GenerationDefaults 请求未指定参数时使用的默认值
type GenerationDefaults struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

type ChatService struct {
	resolver     *resolver.Resolver
	ingester     *imaging.Ingester
	orchestrator *Orchestrator
	emitter      *Emitter
	defaults     GenerationDefaults
	defaultModel string
}

func NewChatService(res *resolver.Resolver, ingester *imaging.Ingester, orchestrator *Orchestrator, emitter *Emitter, defaults GenerationDefaults, defaultModel string) *ChatService {
	return &ChatService{
		resolver:     res,
		ingester:     ingester,
		orchestrator: orchestrator,
		emitter:      emitter,
		defaults:     defaults,
		defaultModel: defaultModel,
	}
}

// NewChatServiceFromConfig 按配置组装服务的各个组件
func NewChatServiceFromConfig(cfg *config.Config, res *resolver.Resolver, orchestrator *Orchestrator, ingester *imaging.Ingester) *ChatService {
	prompt := cfg.Stream.ContinuePrompt
	if prompt == "" {
		prompt = config.DefaultContinuePrompt
	}
	return NewChatService(
		res,
		ingester,
		orchestrator,
		NewEmitter(cfg.Stream.CharDelay, cfg.Stream.ContinueRatio, prompt),
		GenerationDefaults{
			Temperature: cfg.Generation.Temperature,
			TopP:        cfg.Generation.TopP,
			MaxTokens:   cfg.Generation.MaxTokens,
		},
		cfg.Models.DefaultID,
	)
}

// Warmup 启动时尽力加载默认模型，失败只记录日志
func (s *ChatService) Warmup(ctx context.Context) {
	h, err := s.resolver.Ensure(ctx, s.defaultModel)
	if err != nil {
		logger.Warnf("启动时模型加载失败，将在首次请求时重试: %v", err)
		return
	}
	logger.Infof("启动时模型加载完成: %s", h.ID)
}

func (s *ChatService) Status() *model.StatusResponse {
	id := s.resolver.CurrentID()
	if id == "" {
		id = notLoaded
	}
	return &model.StatusResponse{Status: "online", Model: id}
}

// ListModels 未加载模型时先按默认 id 解析
func (s *ChatService) ListModels(ctx context.Context) (*model.ModelList, error) {
	h, err := s.resolver.Ensure(ctx, s.defaultModel)
	if err != nil {
		return nil, err
	}
	return &model.ModelList{
		Object: model.ObjectList,
		Data: []model.ModelCard{{
			ID:      h.ID,
			Object:  model.ObjectModel,
			Created: time.Now().Unix(),
			OwnedBy: "user",
		}},
	}, nil
}

// Reload 显式替换当前模型，这是唯一会替换已加载模型的入口
func (s *ChatService) Reload(ctx context.Context, modelID string) (*model.StatusResponse, error) {
	h, err := s.resolver.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return &model.StatusResponse{Status: "loaded", Model: h.ID}, nil
}

// Prepared 一次对话请求在生成之前的全部状态
type Prepared struct {
	Handle  *resolver.Handle
	Request *GenerationRequest
}

// Prepare 规范化消息、解码图片、取得模型快照。这里的错误都在响应头写出之前返回。
func (s *ChatService) Prepare(ctx context.Context, req *model.ChatCompletionRequest) (*Prepared, error) {
	turn, err := Normalize(req.Messages)
	if err != nil {
		return nil, err
	}

	var img *imaging.Decoded
	if turn.HasImage() {
		img = s.ingester.Ingest(ctx, turn.ImageSource)
	}

	// 已加载的模型不会因为请求里的 model 字段被替换
	requested := req.Model
	if requested == "" {
		requested = s.defaultModel
	}
	h, err := s.resolver.Ensure(ctx, requested)
	if err != nil {
		return nil, err
	}

	gen := &GenerationRequest{
		ModelID:      h.ID,
		SystemPrompt: turn.SystemPrompt,
		UserText:     turn.UserText,
		UserImage:    img,
		Temperature:  s.defaults.Temperature,
		TopP:         s.defaults.TopP,
		MaxTokens:    s.defaults.MaxTokens,
	}
	if req.Temperature != nil {
		gen.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		gen.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		gen.MaxTokens = *req.MaxTokens
	}
	logger.WithFields(map[string]interface{}{
		"model":       h.ID,
		"has_image":   gen.UserImage != nil,
		"max_tokens":  gen.MaxTokens,
		"temperature": gen.Temperature,
		"stream":      req.Stream,
	}).Info("收到对话请求")

	return &Prepared{Handle: h, Request: gen}, nil
}

func (s *ChatService) Complete(ctx context.Context, p *Prepared) (*model.ChatCompletionResponse, error) {
	result, err := s.orchestrator.Complete(ctx, p.Handle, p.Request)
	if err != nil {
		return nil, err
	}
	return BuildCompletion(NewCompletionID(), p.Handle.ID, result), nil
}

// StreamChat 生成在流内进行，失败时以错误分块结束流。
// genCtx 控制生成调用，streamCtx 控制逐字符输出，客户端断开只取消后者。
func (s *ChatService) StreamChat(genCtx, streamCtx context.Context, p *Prepared) <-chan StreamEvent {
	meta := StreamMeta{
		ID:      NewCompletionID(),
		Created: time.Now().Unix(),
		Model:   p.Handle.ID,
	}
	return s.emitter.Stream(streamCtx, meta, p.Request.MaxTokens, func(context.Context) (string, error) {
		result, err := s.orchestrator.Complete(genCtx, p.Handle, p.Request)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})
}
