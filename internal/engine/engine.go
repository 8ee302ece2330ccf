// Package engine 定义网关依赖的视觉语言推理能力，以及基于 eino ChatModel 的实现。
package engine

import (
	"context"
	"image"
)

// Model 与 Processor 对网关是不透明的，只有产生它们的 Engine 能解释
type (
	Model     any
	Processor any
)

// Options 生成参数；TopP 为 nil 表示不传给后端
type Options struct {
	MaxTokens   int
	Temperature float32
	TopP        *float32
}

// Engine 推理引擎能力：加载、格式化提示词、生成
type Engine interface {
	Load(ctx context.Context, path string) (Model, Processor, error)
	FormatPrompt(proc Processor, cfg ModelConfig, text, system string, numImages int) (string, error)
	// Generate 返回一批结果，单条结果即长度为 1 的切片
	Generate(ctx context.Context, m Model, proc Processor, prompt string, images []image.Image, opts Options) ([]string, error)
}

// ConfigLoader 可选能力，引擎不支持时使用 SimpleConfig
type ConfigLoader interface {
	LoadConfig(path string) (ModelConfig, error)
}

// ModelConfig 模型目录下 config.json 的内容
type ModelConfig map[string]interface{}

const SimpleTemplate = "simple"

func SimpleConfig() ModelConfig {
	return ModelConfig{"chat_template": SimpleTemplate}
}

func (c ModelConfig) Template() string {
	if c == nil {
		return ""
	}
	if t, ok := c["chat_template"].(string); ok {
		return t
	}
	return ""
}

func (c ModelConfig) ModelType() string {
	if t, ok := c["model_type"].(string); ok {
		return t
	}
	return "unknown"
}

func Float32(v float32) *float32 {
	return &v
}
