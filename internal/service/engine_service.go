package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"brainlytree-engine/common/database"
	mqttcommon "brainlytree-engine/common/mqtt"
	rediscommon "brainlytree-engine/common/redis"
	"brainlytree-engine/internal/blob"
	"brainlytree-engine/internal/chunks"
	"brainlytree-engine/internal/config"
	"brainlytree-engine/internal/consumer"
	"brainlytree-engine/internal/dispatcher"
	"brainlytree-engine/internal/evaluator"
	httpapi "brainlytree-engine/internal/http"
	"brainlytree-engine/internal/lineage"
	"brainlytree-engine/internal/protocol"
	"brainlytree-engine/internal/repository"
	"brainlytree-engine/internal/scoring"
	"brainlytree-engine/internal/session"
	"brainlytree-engine/internal/snapshot"

	"go.uber.org/zap"
)

// EngineService 设备唤醒与图片摄取引擎
// 持有全部长生命周期依赖，Start 拉起订阅与后台循环，Stop 逆序释放
type EngineService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *rediscommon.Client
	mqttClient  *mqttcommon.Client

	engine     *protocol.Engine
	dispatcher *dispatcher.Dispatcher
	consumer   *consumer.Consumer
	sessions   *session.Manager
	generator  *snapshot.Generator
	httpServer *http.Server
}

// NewEngineService 装配引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	deviceRepo := repository.NewDeviceRepository(db, logger)
	sessionRepo := repository.NewWakeSessionRepository(db, logger)
	payloadRepo := repository.NewWakePayloadRepository(db, logger)
	transferRepo := repository.NewImageTransferRepository(db, logger)
	commandRepo := repository.NewCommandRepository(db, logger)
	snapshotRepo := repository.NewSnapshotRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)

	blobStore, err := blob.NewStore(cfg.Blob.RootDir)
	if err != nil {
		mqttClient.Disconnect()
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	lineageResolver := lineage.NewResolver(deviceRepo, logger)
	buffer := chunks.NewBuffer(transferRepo, blobStore, logger)
	sessionManager := session.NewManager(sessionRepo, time.Minute, logger)

	cmdDispatcher := dispatcher.NewDispatcher(dispatcher.Config{
		CmdTopicTemplate: cfg.Protocol.Topics.Cmd,
		AckTopicTemplate: cfg.Protocol.Topics.Ack,
		QoS:              cfg.MQTT.QoS,
		RetryInterval:    cfg.Dispatcher.RetryInterval,
		AckTimeout:       cfg.Dispatcher.AckTimeout,
		MaxRetries:       cfg.Dispatcher.MaxRetries,
	}, commandRepo, mqttClient, logger)

	ackSender := dispatcher.NewAckSender(cfg.Protocol.Topics.Ack, cfg.MQTT.QoS, mqttClient, logger)

	streamBus := rediscommon.NewStreamBus(redisClient)
	alertEvaluator := evaluator.NewEvaluator(alertRepo, streamBus, cfg.Snapshot.StreamName, logger)

	observationCache := snapshot.NewObservationCache(redisClient, cfg.Snapshot.CachePrefix, cfg.Snapshot.LatestTTL)

	var scorer protocol.ImageScorer
	if cfg.Scoring.Enabled {
		scorer = scoring.NewClient(cfg.Scoring.BaseURL, logger)
	}

	engine := protocol.NewEngine(
		protocol.Config{
			TransferTimeout:        cfg.Protocol.TransferTimeout,
			StorageRetryCount:      cfg.Protocol.StorageRetryCount,
			StorageRetryBackoff:    cfg.Protocol.StorageRetryBackoff,
			DupMetadataAlertThresh: cfg.Protocol.DupMetadataAlertThresh,
		},
		lineageResolver,
		deviceRepo,
		sessionManager,
		payloadRepo,
		transferRepo,
		buffer,
		cmdDispatcher,
		ackSender,
		alertEvaluator,
		observationCache,
		scorer,
		logger,
	)

	mqttConsumer := consumer.NewConsumer(
		mqttClient,
		engine,
		cfg.Protocol.Topics.Status,
		cfg.Protocol.Topics.Data,
		cfg.MQTT.QoS,
		logger,
	)

	generator := snapshot.NewGenerator(
		sessionRepo,
		deviceRepo,
		observationCache,
		snapshotRepo,
		alertRepo,
		cfg.Snapshot.Cadence,
		logger,
	)

	router := httpapi.NewRouter(logger)
	router.RegisterDashboardRoutes(httpapi.NewDashboardHandler(sessionRepo, snapshotRepo, payloadRepo, logger))

	return &EngineService{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		engine:      engine,
		dispatcher:  cmdDispatcher,
		consumer:    mqttConsumer,
		sessions:    sessionManager,
		generator:   generator,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start 订阅设备主题并拉起后台循环
func (s *EngineService) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt consumer: %w", err)
	}

	go s.engine.RunTransferTimeoutSweep(ctx)
	go s.dispatcher.RunRetryLoop(ctx)
	go s.generator.Run(ctx)
	go s.sessions.RunLockSweep(ctx)

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.HTTP.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("Engine service started")
	return nil
}

// Stop 优雅关闭：先停入站，再停出站与存储
func (s *EngineService) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(); err != nil {
		s.logger.Warn("Failed to stop mqtt consumer", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close database", zap.Error(err))
	}

	return nil
}
