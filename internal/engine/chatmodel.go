package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModelEngine 把 eino ChatModel 包装成 Engine：模型目录提供模板和配置，生成交给后端
type ChatModelEngine struct {
	newModel    ModelFactory
	servedModel string
}

type chatModelHandle struct {
	name string
	chat einoModel.BaseChatModel
}

// NewChatModelEngine servedModel 为空时以模型目录名作为后端模型名
func NewChatModelEngine(factory ModelFactory, servedModel string) *ChatModelEngine {
	return &ChatModelEngine{
		newModel:    factory,
		servedModel: servedModel,
	}
}

func (e *ChatModelEngine) Load(ctx context.Context, path string) (Model, Processor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%s is not a directory", path)
	}

	proc, err := LoadProcessor(path)
	if err != nil {
		return nil, nil, err
	}

	name := e.servedModel
	if name == "" {
		name = filepath.Base(path)
	}

	chat, err := e.newModel(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	return &chatModelHandle{name: name, chat: chat}, proc, nil
}

func (e *ChatModelEngine) LoadConfig(path string) (ModelConfig, error) {
	return LoadModelConfig(path)
}

func (e *ChatModelEngine) FormatPrompt(proc Processor, cfg ModelConfig, text, system string, numImages int) (string, error) {
	p, ok := proc.(*ChatProcessor)
	if !ok {
		return "", fmt.Errorf("unexpected processor type %T", proc)
	}
	return p.Format(cfg, text, system, numImages)
}

func (e *ChatModelEngine) Generate(ctx context.Context, m Model, proc Processor, prompt string, images []image.Image, opts Options) ([]string, error) {
	h, ok := m.(*chatModelHandle)
	if !ok || h.chat == nil {
		return nil, fmt.Errorf("unexpected model type %T", m)
	}

	msg := &schema.Message{Role: schema.User}
	if len(images) == 0 {
		msg.Content = prompt
	} else {
		parts := make([]schema.ChatMessagePart, 0, len(images)+1)
		for _, img := range images {
			url, err := EncodeDataURL(img)
			if err != nil {
				return nil, err
			}
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: url},
			})
		}
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: prompt,
		})
		msg.MultiContent = parts
	}

	callOpts := []einoModel.Option{
		einoModel.WithMaxTokens(opts.MaxTokens),
		einoModel.WithTemperature(opts.Temperature),
	}
	if opts.TopP != nil {
		callOpts = append(callOpts, einoModel.WithTopP(*opts.TopP))
	}

	out, err := h.chat.Generate(ctx, []*schema.Message{msg}, callOpts...)
	if err != nil {
		return nil, err
	}
	return []string{out.Content}, nil
}

// EncodeDataURL 把位图编码为 PNG data URL
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
