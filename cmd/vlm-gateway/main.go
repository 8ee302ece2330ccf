package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vlm-gateway/internal/config"
	"vlm-gateway/internal/engine"
	"vlm-gateway/internal/handler"
	"vlm-gateway/internal/imaging"
	"vlm-gateway/internal/resolver"
	"vlm-gateway/internal/service"
	"vlm-gateway/internal/telemetry"
	"vlm-gateway/internal/utils"
	"vlm-gateway/pkg/logger"
)

func main() {
	var (
		configPath string
		modelDir   string
		modelID    string
		port       int
	)
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.StringVar(&modelDir, "model-dir", "", "模型根目录，覆盖配置")
	flag.StringVar(&modelID, "model-id", "", "默认模型 id，覆盖配置")
	flag.IntVar(&port, "port", 0, "监听端口，覆盖配置")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if modelDir != "" {
		cfg.Models.Root = modelDir
	}
	if modelID != "" {
		cfg.Models.DefaultID = modelID
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	// 初始化日志
	if err := logger.InitWithFile(cfg.Log.Level, cfg.Log.Format, logger.FileOptions{
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("遥测初始化失败: %v", err)
	}
	defer shutdownTelemetry()

	// 推理引擎
	factory, err := engine.NewModelFactory(cfg.Engine)
	if err != nil {
		logger.Fatalf("推理引擎初始化失败: %v", err)
	}
	eng := engine.NewChatModelEngine(factory, cfg.Engine.ServedModel)

	res := resolver.New(eng, resolver.Options{
		Root:      cfg.Models.Root,
		Suffix:    cfg.Models.Suffix,
		NestedDir: cfg.Models.NestedDir,
	})
	ingester := imaging.NewIngester(utils.NewHTTPClient(cfg.Image.FetchTimeout))
	chatService := service.NewChatServiceFromConfig(cfg, res, service.NewOrchestrator(eng), ingester)

	logger.Infof("模型目录: %s", cfg.Models.Root)
	if cfg.Models.DefaultID != "" {
		logger.Infof("默认模型: %s", cfg.Models.DefaultID)
	}
	if cfg.Models.LoadOnStartup {
		chatService.Warmup(ctx)
	}

	chatHandler := handler.NewChatHandler(chatService, cfg.Image.MaxUploadBytes)
	router := handler.NewRouter(cfg, chatHandler)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("服务器启动在 %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	logger.Info("服务器已关闭")
}
