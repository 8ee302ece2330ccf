package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vlm-gateway/internal/config"
	"vlm-gateway/internal/engine"
	"vlm-gateway/internal/imaging"
	"vlm-gateway/internal/model"
	"vlm-gateway/internal/resolver"
	"vlm-gateway/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	reply string
	err   error
}

func (s *stubEngine) Load(ctx context.Context, path string) (engine.Model, engine.Processor, error) {
	return "model", "processor", nil
}

func (s *stubEngine) FormatPrompt(proc engine.Processor, cfg engine.ModelConfig, text, system string, numImages int) (string, error) {
	return text, nil
}

func (s *stubEngine) Generate(ctx context.Context, mdl engine.Model, proc engine.Processor, prompt string, images []image.Image, opts engine.Options) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []string{s.reply}, nil
}

func newTestServer(t *testing.T, eng engine.Engine, dirs ...string) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	cfg := &config.Config{
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		},
	}
	res := resolver.New(eng, resolver.Options{Root: root, Suffix: "-mlx", NestedDir: "mlx_models"})
	svc := service.NewChatService(
		res,
		imaging.NewIngester(http.DefaultClient),
		service.NewOrchestrator(eng),
		service.NewEmitter(0, 0.8, config.DefaultContinuePrompt),
		service.GenerationDefaults{Temperature: 0.7, TopP: 0.95, MaxTokens: 800},
		"",
	)

	srv := httptest.NewServer(NewRouter(cfg, NewChatHandler(svc, 0)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "world"}, "m")

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hello"}],"max_tokens":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body model.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.True(t, strings.HasPrefix(body.ID, "chatcmpl-"))
	assert.Equal(t, model.ObjectChatCompletion, body.Object)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "world", body.Choices[0].Message.Content)
	assert.Equal(t, model.FinishReasonStop, body.Choices[0].FinishReason)
	assert.Equal(t, model.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, body.Usage)
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "Hi!"}, "m-mlx")

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hello"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 5)
	assert.Equal(t, "data: [DONE]", lines[4])

	var deltas []map[string]interface{}
	for _, line := range lines[:4] {
		require.True(t, strings.HasPrefix(line, "data: "))
		var chunk map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		assert.Equal(t, model.ObjectChatCompletionChunk, chunk["object"])
		choice := chunk["choices"].([]interface{})[0].(map[string]interface{})
		deltas = append(deltas, choice["delta"].(map[string]interface{}))
		if len(deltas) < 4 {
			assert.Nil(t, choice["finish_reason"])
		} else {
			assert.Equal(t, "stop", choice["finish_reason"])
		}
	}

	assert.Equal(t, map[string]interface{}{"role": "assistant", "content": "H"}, deltas[0])
	assert.Equal(t, map[string]interface{}{"content": "i"}, deltas[1])
	assert.Equal(t, map[string]interface{}{"content": "!"}, deltas[2])
	assert.Equal(t, map[string]interface{}{}, deltas[3])
}

func TestChatCompletionsStreamingGenerationFailure(t *testing.T) {
	srv := newTestServer(t, &stubEngine{err: errors.New("engine offline")}, "m-mlx")

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hello"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "텍스트 생성 중 오류가 발생했습니다")
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestChatCompletionsErrors(t *testing.T) {
	srv := newTestServer(t, &stubEngine{err: errors.New("engine offline")}, "m-mlx")

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"assistant","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_error", decodeError(t, resp).Error.Type)

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":42}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Contains(t, body.Error.Message, service.ErrGenerationFailed.Error())
	assert.Equal(t, body.Error.Message, body.Detail)
}

func TestRootAndModels(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "x"}, "mlx_models/vl-mlx")

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status model.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, model.StatusResponse{Status: "online", Model: "not loaded"}, status)

	resp, err = http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "vl-mlx", list.Data[0].ID)
	assert.Equal(t, model.ObjectModel, list.Data[0].Object)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModelsWithoutCandidates(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "x"})

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestReload(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "x"}, "a-mlx", "b")

	resp := postJSON(t, srv.URL+"/v1/models/reload", `{"model":"b"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status model.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "b", status.Model)

	resp = postJSON(t, srv.URL+"/v1/models/reload", `{"model":"../etc"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "falls back to a suffixed directory")
}

func TestReloadNotFound(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "x"}, "plain")

	resp := postJSON(t, srv.URL+"/v1/models/reload", `{"model":"missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "model_error", decodeError(t, resp).Error.Type)
}

func uploadRequest(t *testing.T, url, filename string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, err := http.Post(url, w.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	srv := newTestServer(t, &stubEngine{reply: "x"})

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	resp := uploadRequest(t, srv.URL+"/v1/uploads", "cat.png", buf.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var up model.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	assert.Equal(t, "cat.png", up.FileID)
	assert.True(t, strings.HasPrefix(up.URL, "data:image/png;base64,"))

	resp = uploadRequest(t, srv.URL+"/v1/uploads", "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
