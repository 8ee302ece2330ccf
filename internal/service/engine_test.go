package service

import (
	"context"
	"image"

	"vlm-gateway/internal/engine"

	"github.com/stretchr/testify/mock"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Load(ctx context.Context, path string) (engine.Model, engine.Processor, error) {
	args := m.Called(path)
	return args.Get(0), args.Get(1), args.Error(2)
}

func (m *mockEngine) FormatPrompt(proc engine.Processor, cfg engine.ModelConfig, text, system string, numImages int) (string, error) {
	args := m.Called(cfg.Template(), text, system, numImages)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) Generate(ctx context.Context, mdl engine.Model, proc engine.Processor, prompt string, images []image.Image, opts engine.Options) ([]string, error) {
	args := m.Called(prompt, len(images), opts)
	texts, _ := args.Get(0).([]string)
	return texts, args.Error(1)
}

// configEngine 额外实现 ConfigLoader
type configEngine struct {
	*mockEngine
	cfg engine.ModelConfig
	err error
}

func (c *configEngine) LoadConfig(path string) (engine.ModelConfig, error) {
	return c.cfg, c.err
}

// stubEngine 固定返回 reply
type stubEngine struct {
	reply string
}

func (s *stubEngine) Load(ctx context.Context, path string) (engine.Model, engine.Processor, error) {
	return "model", "processor", nil
}

func (s *stubEngine) FormatPrompt(proc engine.Processor, cfg engine.ModelConfig, text, system string, numImages int) (string, error) {
	return text, nil
}

func (s *stubEngine) Generate(ctx context.Context, mdl engine.Model, proc engine.Processor, prompt string, images []image.Image, opts engine.Options) ([]string, error) {
	return []string{s.reply}, nil
}
