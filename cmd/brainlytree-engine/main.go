package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"brainlytree-engine/common/logger"
	"brainlytree-engine/internal/config"
	"brainlytree-engine/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "brainlytree-engine")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting brainlytree-engine service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("status_topic", cfg.Protocol.Topics.Status),
		zap.String("data_topic", cfg.Protocol.Topics.Data),
		zap.String("http_addr", cfg.HTTP.ListenAddr),
	)

	// 创建服务
	engineService, err := service.NewEngineService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create engine service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engineService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start engine service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := engineService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
