package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"vlm-gateway/internal/imaging"
	"vlm-gateway/internal/model"
	"vlm-gateway/internal/resolver"
	"vlm-gateway/internal/service"
	"vlm-gateway/internal/utils"
	"vlm-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultMaxUploadBytes = 20 << 20

type ChatHandler struct {
	chatService    *service.ChatService
	maxUploadBytes int64
}

func NewChatHandler(chatService *service.ChatService, maxUploadBytes int64) *ChatHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &ChatHandler{
		chatService:    chatService,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *ChatHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, h.chatService.Status())
}

func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"model":     h.chatService.Status().Model,
		"timestamp": time.Now().Unix(),
	})
}

func (h *ChatHandler) ListModels(c *gin.Context) {
	models, err := h.chatService.ListModels(c.Request.Context())
	if err != nil {
		logger.Errorf("模型列表获取失败: %v", err)
		writeError(c, http.StatusInternalServerError, "model_error", err)
		return
	}
	c.JSON(http.StatusOK, models)
}

// Reload 显式加载指定模型；找不到模型返回 404
func (h *ChatHandler) Reload(c *gin.Context) {
	var req model.ReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}

	status, err := h.chatService.Reload(c.Request.Context(), req.Model)
	if err != nil {
		logger.WithFields(map[string]interface{}{"model": req.Model}).Errorf("模型重新加载失败: %v", err)
		code := http.StatusInternalServerError
		if errors.Is(err, resolver.ErrModelNotFound) {
			code = http.StatusNotFound
		}
		writeError(c, code, "model_error", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("请求解析失败: %v", err)
		writeError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}

	// 客户端断开不取消生成调用
	genCtx := context.WithoutCancel(c.Request.Context())

	prepared, err := h.chatService.Prepare(genCtx, &req)
	if err != nil {
		h.failRequest(c, err)
		return
	}

	if req.Stream {
		h.stream(c, genCtx, prepared)
		return
	}

	resp, err := h.chatService.Complete(genCtx, prepared)
	if err != nil {
		h.failRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) stream(c *gin.Context, genCtx context.Context, prepared *service.Prepared) {
	streamCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	for ev := range h.chatService.StreamChat(genCtx, streamCtx, prepared) {
		if ev.Done {
			if err := sseWriter.Close(); err != nil {
				logger.Warnf("结束标记写入失败: %v", err)
			}
			continue
		}
		if err := sseWriter.WriteJSON(ev.Chunk); err != nil {
			logger.Warnf("SSE 写入失败，停止输出: %v", err)
			cancel()
		}
	}
}

func (h *ChatHandler) failRequest(c *gin.Context, err error) {
	logger.Errorf("对话请求失败: %v", err)
	switch {
	case errors.Is(err, service.ErrNoUserMessage):
		writeError(c, http.StatusBadRequest, "invalid_request_error", err)
	case errors.Is(err, resolver.ErrModelNotFound), errors.Is(err, resolver.ErrModelLoadFailed):
		writeError(c, http.StatusInternalServerError, "model_error", err)
	default:
		writeError(c, http.StatusInternalServerError, "server_error", err)
	}
}

// Upload 接收 multipart 图片，返回可直接用于 image_url 的 data URL
func (h *ChatHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}
	if file.Size > h.maxUploadBytes {
		writeError(c, http.StatusBadRequest, "invalid_request_error",
			fmt.Errorf("file too large: %d bytes (max %d)", file.Size, h.maxUploadBytes))
		return
	}

	f, err := file.Open()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "server_error", err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "server_error", err)
		return
	}

	url, format, err := imaging.DataURL(data)
	if err != nil {
		logger.Warnf("上传的文件不是有效图片: %v", err)
		writeError(c, http.StatusBadRequest, "invalid_request_error", err)
		return
	}

	fileID := filepath.Base(file.Filename)
	if fileID == "." || fileID == string(filepath.Separator) {
		fileID = uuid.New().String()
	}
	logger.Infof("图片上传成功: %s (%s, %d bytes)", fileID, format, len(data))

	c.JSON(http.StatusOK, model.UploadResponse{URL: url, FileID: fileID})
}

func writeError(c *gin.Context, code int, errType string, err error) {
	c.JSON(code, model.ErrorResponse{
		Error: model.ErrorBody{
			Message: err.Error(),
			Type:    errType,
		},
		Detail: err.Error(),
	})
}
