package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"vlm-gateway/internal/imaging"

	openai "github.com/sashabaranov/go-openai"
)

const (
	textPrompt  = "안녕하세요! 오늘 날씨는 어떤가요?"
	imagePrompt = "이 이미지에 무엇이 있나요? 자세히 설명해주세요."
)

type checker struct {
	client *openai.Client
	model  string
	image  string
	out    io.Writer
}

func newChecker(baseURL, model, image string, out io.Writer) *checker {
	cfg := openai.DefaultConfig("not-needed")
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &checker{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		image:  image,
		out:    out,
	}
}

func (c *checker) models(ctx context.Context) error {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(list.Models) == 0 {
		return errors.New("list models: empty model list")
	}
	for _, m := range list.Models {
		fmt.Fprintf(c.out, "model: %s (owned by %s)\n", m.ID, m.OwnedBy)
	}
	return nil
}

func (c *checker) text(ctx context.Context) error {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: textPrompt},
		},
		Temperature: 0.7,
		MaxTokens:   100,
	})
	if err != nil {
		return fmt.Errorf("text completion: %w", err)
	}
	return c.printCompletion(resp)
}

func (c *checker) imageCompletion(ctx context.Context) error {
	data, err := os.ReadFile(c.image)
	if err != nil {
		return fmt.Errorf("read test image: %w", err)
	}
	url, _, err := imaging.DataURL(data)
	if err != nil {
		return err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: imagePrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
			},
		}},
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		return fmt.Errorf("image completion: %w", err)
	}
	return c.printCompletion(resp)
}

func (c *checker) stream(ctx context.Context) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: textPrompt},
		},
		MaxTokens: 100,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("stream completion: %w", err)
	}
	defer stream.Close()

	var chunks int
	var finish openai.FinishReason
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("stream recv: %w", err)
		}
		chunks++
		if len(resp.Choices) > 0 {
			fmt.Fprint(c.out, resp.Choices[0].Delta.Content)
			if resp.Choices[0].FinishReason != "" {
				finish = resp.Choices[0].FinishReason
			}
		}
	}
	fmt.Fprintf(c.out, "\nchunks: %d, finish_reason: %s\n", chunks, finish)
	if finish != openai.FinishReasonStop {
		return fmt.Errorf("stream ended without stop chunk")
	}
	return nil
}

func (c *checker) printCompletion(resp openai.ChatCompletionResponse) error {
	if len(resp.Choices) == 0 {
		return errors.New("completion has no choices")
	}
	fmt.Fprintf(c.out, "content: %s\n", resp.Choices[0].Message.Content)
	fmt.Fprintf(c.out, "usage: prompt=%d completion=%d total=%d\n",
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	return nil
}

// run 按名称执行检查，all 依次执行全部
func (c *checker) run(ctx context.Context, test string) error {
	checks := map[string]func(context.Context) error{
		"models": c.models,
		"text":   c.text,
		"image":  c.imageCompletion,
		"stream": c.stream,
	}
	order := []string{"models", "text", "image", "stream"}
	if test != "all" {
		if _, ok := checks[test]; !ok {
			return fmt.Errorf("unknown test: %s", test)
		}
		order = []string{test}
	}

	var failed []string
	for _, name := range order {
		fmt.Fprintf(c.out, "=== %s ===\n", name)
		start := time.Now()
		if err := checks[name](ctx); err != nil {
			fmt.Fprintf(c.out, "FAIL %s: %v\n", name, err)
			failed = append(failed, name)
			continue
		}
		fmt.Fprintf(c.out, "PASS %s (%.2fs)\n", name, time.Since(start).Seconds())
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed checks: %s", strings.Join(failed, ", "))
	}
	return nil
}

func main() {
	var (
		url     string
		model   string
		test    string
		image   string
		timeout time.Duration
	)
	flag.StringVar(&url, "url", "http://localhost:8000", "网关地址")
	flag.StringVar(&model, "model", "qwen2.5-vl-7B-mlx", "模型 id")
	flag.StringVar(&test, "test", "all", "models, text, image, stream 或 all")
	flag.StringVar(&image, "image", "tests/test_images/test.png", "图片测试使用的本地图片")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "整体超时")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := newChecker(url, model, image, os.Stdout).run(ctx, test); err != nil {
		log.Fatal(err)
	}
}
