package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"vlm-gateway/internal/engine"
	"vlm-gateway/internal/imaging"
	"vlm-gateway/internal/resolver"
	"vlm-gateway/internal/telemetry"
	"vlm-gateway/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GenerationRequest 一次生成所需的全部输入；参数按原样传给后端，不做截断
type GenerationRequest struct {
	ModelID      string
	SystemPrompt string
	UserText     string
	UserImage    *imaging.Decoded
	Temperature  float32
	TopP         float32
	MaxTokens    int
}

type CompletionResult struct {
	Text                    string
	PromptTokenEstimate     int
	CompletionTokenEstimate int
	// Tier 产生结果的策略名
	Tier string
}

// tierResult 单个策略的结果：成功时 texts 有值，失败时 err 非空
type tierResult struct {
	texts []string
	err   error
}

type strategy struct {
	name string
	run  func(ctx context.Context, h *resolver.Handle, req *GenerationRequest) tierResult
}

// Orchestrator 按顺序尝试生成策略，第一个成功的结果即为最终结果
type Orchestrator struct {
	engine    engine.Engine
	duration  metric.Float64Histogram
	fallbacks metric.Int64Counter
}

func NewOrchestrator(eng engine.Engine) *Orchestrator {
	meter := telemetry.Meter()
	duration, err := meter.Float64Histogram(
		"generation.duration",
		metric.WithDescription("Generation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warnf("failed to create generation histogram: %v", err)
	}
	fallbacks, err := meter.Int64Counter(
		"generation.fallbacks",
		metric.WithDescription("Failed generation tiers"),
	)
	if err != nil {
		logger.Warnf("failed to create fallback counter: %v", err)
	}

	return &Orchestrator{
		engine:    eng,
		duration:  duration,
		fallbacks: fallbacks,
	}
}

// Complete 依次执行策略链，全部失败时返回 ErrGenerationFailed
func (o *Orchestrator) Complete(ctx context.Context, h *resolver.Handle, req *GenerationRequest) (*CompletionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.id", h.ID),
		attribute.Bool("has_image", req.UserImage != nil),
		attribute.Int("max_tokens", req.MaxTokens),
	)

	start := time.Now()
	var lastErr error

	for _, s := range o.strategies(req) {
		res := o.attempt(ctx, s, h, req)
		if res.err == nil {
			text := res.texts[0]
			elapsed := time.Since(start)
			if o.duration != nil {
				o.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tier", s.name)))
			}
			logger.WithFields(map[string]interface{}{
				"model":   h.ID,
				"tier":    s.name,
				"elapsed": elapsed.Round(time.Millisecond).String(),
				"chars":   len([]rune(text)),
			}).Info("生成完成")

			return &CompletionResult{
				Text:                    text,
				PromptTokenEstimate:     CountTokens(req.UserText),
				CompletionTokenEstimate: CountTokens(text),
				Tier:                    s.name,
			}, nil
		}

		lastErr = res.err
		if o.fallbacks != nil {
			o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", s.name)))
		}
		logger.WithFields(map[string]interface{}{
			"model": h.ID,
			"tier":  s.name,
		}).Warnf("生成策略失败，尝试下一个: %v", res.err)
	}

	err := fmt.Errorf("%w: %w", ErrGenerationFailed, lastErr)
	span.RecordError(err)
	return nil, err
}

func (o *Orchestrator) attempt(ctx context.Context, s strategy, h *resolver.Handle, req *GenerationRequest) (res tierResult) {
	ctx, span := telemetry.Tracer().Start(ctx, "generate."+s.name)
	defer span.End()
	span.SetAttributes(attribute.String("tier", s.name))

	defer func() {
		if r := recover(); r != nil {
			res = tierResult{err: fmt.Errorf("engine panic: %v", r)}
		}
		if res.err == nil && len(res.texts) == 0 {
			res = tierResult{err: errors.New("engine returned an empty batch")}
		}
		if res.err != nil {
			span.RecordError(res.err)
		}
	}()

	return s.run(ctx, h, req)
}

// strategies 有图片时：模板+图片、原始文本+图片、原始文本；无图片时三层都不带图片
func (o *Orchestrator) strategies(req *GenerationRequest) []strategy {
	hasImage := req.UserImage != nil
	return []strategy{
		{name: "formatted", run: func(ctx context.Context, h *resolver.Handle, req *GenerationRequest) tierResult {
			return o.formatted(ctx, h, req, hasImage)
		}},
		{name: "raw", run: func(ctx context.Context, h *resolver.Handle, req *GenerationRequest) tierResult {
			return o.raw(ctx, h, req, hasImage)
		}},
		{name: "raw_text_only", run: func(ctx context.Context, h *resolver.Handle, req *GenerationRequest) tierResult {
			return o.raw(ctx, h, req, false)
		}},
	}
}

func (o *Orchestrator) formatted(ctx context.Context, h *resolver.Handle, req *GenerationRequest, withImage bool) tierResult {
	cfg := o.loadConfig(h)

	numImages := 0
	if withImage {
		numImages = 1
	}
	prompt, err := o.engine.FormatPrompt(h.Processor, cfg, req.UserText, req.SystemPrompt, numImages)
	if err != nil {
		return tierResult{err: fmt.Errorf("format prompt: %w", err)}
	}
	logger.Debugf("格式化提示词: %s", preview(prompt, 100))

	texts, err := o.engine.Generate(ctx, h.Model, h.Processor, prompt, images(req, withImage), engine.Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        engine.Float32(req.TopP),
	})
	return tierResult{texts: texts, err: err}
}

// raw 使用未格式化的文本，不传 top_p
func (o *Orchestrator) raw(ctx context.Context, h *resolver.Handle, req *GenerationRequest, withImage bool) tierResult {
	texts, err := o.engine.Generate(ctx, h.Model, h.Processor, req.UserText, images(req, withImage), engine.Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	return tierResult{texts: texts, err: err}
}

// loadConfig 读取模型配置，引擎不支持或读取失败时使用 simple 配置
func (o *Orchestrator) loadConfig(h *resolver.Handle) engine.ModelConfig {
	loader, ok := o.engine.(engine.ConfigLoader)
	if !ok {
		return engine.SimpleConfig()
	}
	cfg, err := loader.LoadConfig(h.Dir)
	if err != nil {
		logger.Warnf("模型配置加载失败: %v", err)
		return engine.SimpleConfig()
	}
	logger.Debugf("模型配置已加载: %s", cfg.ModelType())
	return cfg
}

func images(req *GenerationRequest, withImage bool) []image.Image {
	if !withImage || req.UserImage == nil {
		return nil
	}
	return []image.Image{req.UserImage.Image}
}

// CountTokens 按空白切分的词数估算 token
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
