package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vlm-gateway/internal/model"
	"vlm-gateway/pkg/logger"
)

// StreamEvent 流式输出的一个事件；Done 为真时表示应写出结束标记
type StreamEvent struct {
	Chunk *model.ChatCompletionChunk
	Done  bool
}

type StreamMeta struct {
	ID      string
	Created int64
	Model   string
}

// Producer 一次性生成完整文本
type Producer func(ctx context.Context) (string, error)

// Emitter 把完整的生成结果逐字符重放为分块协议
type Emitter struct {
	delay          time.Duration
	continueRatio  float64
	continuePrompt string
}

func NewEmitter(delay time.Duration, continueRatio float64, continuePrompt string) *Emitter {
	return &Emitter{
		delay:          delay,
		continueRatio:  continueRatio,
		continuePrompt: continuePrompt,
	}
}

// ApplyContinuation 输出接近 max_tokens 时视为被截断：裁到最后一个句末标点并追加续写提示。
// 标点位于末尾 10 个字符以内或不存在时原样返回。
func (e *Emitter) ApplyContinuation(text string, maxTokens int) string {
	if CountTokens(text) < int(float64(maxTokens)*e.continueRatio) {
		return text
	}

	runes := []rune(text)
	last := -1
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			last = i
		}
	}
	if last > 0 && last < len(runes)-10 {
		return string(runes[:last+1]) + e.continuePrompt
	}
	return text
}

// Stream 在后台调用 produce，然后逐字符发送分块。
// 通道总是以 stop 分块和 Done 事件结束，除非 ctx 被取消。
func (e *Emitter) Stream(ctx context.Context, meta StreamMeta, maxTokens int, produce Producer) <-chan StreamEvent {
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%w: %v", ErrStreamingInternal, r)
				logger.Errorf("流式输出异常: %v", err)
				e.fail(ctx, events, meta, err)
			}
		}()

		text, err := produce(ctx)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"id":    meta.ID,
				"model": meta.Model,
			}).Errorf("流式生成失败: %v", err)
			e.fail(ctx, events, meta, err)
			return
		}

		text = e.ApplyContinuation(text, maxTokens)
		if !e.emitText(ctx, events, meta, text) {
			logger.Debugf("客户端已断开，停止流式输出: %s", meta.ID)
			return
		}
		e.finish(ctx, events, meta)
	}()

	return events
}

// emitText 第一个分块带 role 和第一个字符，之后每块一个字符
func (e *Emitter) emitText(ctx context.Context, events chan<- StreamEvent, meta StreamMeta, text string) bool {
	var timer *time.Timer
	if e.delay > 0 {
		timer = time.NewTimer(e.delay)
		timer.Stop()
		defer timer.Stop()
	}

	first := true
	for _, r := range text {
		delta := model.Delta{Content: string(r)}
		if first {
			delta.Role = model.RoleAssistant
		}
		if !send(ctx, events, StreamEvent{Chunk: newChunk(meta, delta, nil)}) {
			return false
		}
		first = false

		if timer != nil {
			timer.Reset(e.delay)
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
			}
		}
	}

	// 空文本仍然发送一个带 role 的分块
	if first {
		return send(ctx, events, StreamEvent{Chunk: newChunk(meta, model.Delta{Role: model.RoleAssistant}, nil)})
	}
	return true
}

func (e *Emitter) fail(ctx context.Context, events chan<- StreamEvent, meta StreamMeta, err error) {
	delta := model.Delta{
		Role:    model.RoleAssistant,
		Content: ErrorContent(err),
	}
	if !send(ctx, events, StreamEvent{Chunk: newChunk(meta, delta, nil)}) {
		return
	}
	e.finish(ctx, events, meta)
}

func (e *Emitter) finish(ctx context.Context, events chan<- StreamEvent, meta StreamMeta) {
	stop := model.FinishReasonStop
	if !send(ctx, events, StreamEvent{Chunk: newChunk(meta, model.Delta{}, &stop)}) {
		return
	}
	send(ctx, events, StreamEvent{Done: true})
}

// ErrorContent 流内错误分块的文本
func ErrorContent(err error) string {
	return "텍스트 생성 중 오류가 발생했습니다: " + strings.TrimSpace(err.Error())
}

func newChunk(meta StreamMeta, delta model.Delta, finish *string) *model.ChatCompletionChunk {
	return &model.ChatCompletionChunk{
		ID:      meta.ID,
		Object:  model.ObjectChatCompletionChunk,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []model.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

func send(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- ev:
		return true
	}
}
