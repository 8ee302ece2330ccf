package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vlm-gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrompt = "\n\n계속해서 더 들려드릴까요?"

var testMeta = StreamMeta{ID: "chatcmpl-test", Created: 1700000000, Model: "m"}

func newTestEmitter() *Emitter {
	return NewEmitter(0, 0.8, testPrompt)
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func constant(text string) Producer {
	return func(context.Context) (string, error) { return text, nil }
}

func TestStreamEmitsOneCharacterPerChunk(t *testing.T) {
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 100, constant("Hi!")))
	require.Len(t, events, 5)

	expected := []model.Delta{
		{Role: model.RoleAssistant, Content: "H"},
		{Content: "i"},
		{Content: "!"},
		{},
	}
	for i, delta := range expected {
		chunk := events[i].Chunk
		require.NotNil(t, chunk)
		assert.False(t, events[i].Done)
		assert.Equal(t, "chatcmpl-test", chunk.ID)
		assert.Equal(t, model.ObjectChatCompletionChunk, chunk.Object)
		assert.Equal(t, "m", chunk.Model)
		require.Len(t, chunk.Choices, 1)
		assert.Equal(t, delta, chunk.Choices[0].Delta)
	}

	for i := 0; i < 3; i++ {
		assert.Nil(t, events[i].Chunk.Choices[0].FinishReason)
	}
	require.NotNil(t, events[3].Chunk.Choices[0].FinishReason)
	assert.Equal(t, model.FinishReasonStop, *events[3].Chunk.Choices[0].FinishReason)

	assert.True(t, events[4].Done)
	assert.Nil(t, events[4].Chunk)
}

func TestStreamSplitsMultibyteRunes(t *testing.T) {
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 100, constant("안녕")))
	require.Len(t, events, 4)
	assert.Equal(t, "안", events[0].Chunk.Choices[0].Delta.Content)
	assert.Equal(t, "녕", events[1].Chunk.Choices[0].Delta.Content)
}

func TestStreamErrorBecomesChunk(t *testing.T) {
	failing := func(context.Context) (string, error) {
		return "", errors.New("backend down")
	}
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 100, failing))
	require.Len(t, events, 3)

	delta := events[0].Chunk.Choices[0].Delta
	assert.Equal(t, model.RoleAssistant, delta.Role)
	assert.Equal(t, "텍스트 생성 중 오류가 발생했습니다: backend down", delta.Content)
	assert.Equal(t, model.FinishReasonStop, *events[1].Chunk.Choices[0].FinishReason)
	assert.True(t, events[2].Done)
}

func TestStreamPanicBecomesChunk(t *testing.T) {
	panicking := func(context.Context) (string, error) {
		panic("unexpected")
	}
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 100, panicking))
	require.Len(t, events, 3)

	assert.Contains(t, events[0].Chunk.Choices[0].Delta.Content, ErrStreamingInternal.Error())
	assert.True(t, events[2].Done)
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	emitter := NewEmitter(time.Millisecond, 0.8, testPrompt)
	events := emitter.Stream(ctx, testMeta, 100, constant(strings.Repeat("x", 1000)))

	first := <-events
	require.NotNil(t, first.Chunk)
	cancel()

	rest := collect(t, events)
	assert.Less(t, len(rest), 999)
	for _, ev := range rest {
		assert.False(t, ev.Done)
	}
}

func TestStreamEmptyText(t *testing.T) {
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 100, constant("")))
	require.Len(t, events, 3)
	assert.Equal(t, model.Delta{Role: model.RoleAssistant}, events[0].Chunk.Choices[0].Delta)
	assert.True(t, events[2].Done)
}

func TestApplyContinuationTruncatesNearLimit(t *testing.T) {
	head := strings.Repeat("word ", 40) + "end."
	text := head + " " + strings.TrimSpace(strings.Repeat("more ", 44))
	require.Equal(t, 85, CountTokens(text))

	out := newTestEmitter().ApplyContinuation(text, 100)
	assert.Equal(t, head+testPrompt, out)
}

func TestApplyContinuationBelowThreshold(t *testing.T) {
	text := strings.Repeat("word ", 20) + "end. " + strings.TrimSpace(strings.Repeat("more ", 29))
	require.Equal(t, 50, CountTokens(text))

	assert.Equal(t, text, newTestEmitter().ApplyContinuation(text, 100))
}

func TestApplyContinuationEdgeCases(t *testing.T) {
	e := newTestEmitter()

	// 标点在末尾 10 个字符以内
	nearEnd := strings.Repeat("w ", 9) + "last one."
	assert.Equal(t, nearEnd, e.ApplyContinuation(nearEnd, 10))

	noPunct := strings.TrimSpace(strings.Repeat("word ", 20))
	assert.Equal(t, noPunct, e.ApplyContinuation(noPunct, 10))

	// 位置 0 的标点不触发
	leading := "!" + strings.Repeat(" word", 20)
	assert.Equal(t, leading, e.ApplyContinuation(leading, 10))

	question := "Really? " + strings.TrimSpace(strings.Repeat("yes ", 20))
	assert.Equal(t, "Really?"+testPrompt, e.ApplyContinuation(question, 10))
}

func TestStreamAppliesContinuation(t *testing.T) {
	text := "Done. " + strings.TrimSpace(strings.Repeat("tail ", 10))
	events := collect(t, newTestEmitter().Stream(context.Background(), testMeta, 10, constant(text)))

	var b strings.Builder
	for _, ev := range events {
		if ev.Chunk != nil {
			b.WriteString(ev.Chunk.Choices[0].Delta.Content)
		}
	}
	assert.Equal(t, "Done."+testPrompt, b.String())
}
