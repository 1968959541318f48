package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"edc-detector/common/database"
	mqttcommon "edc-detector/common/mqtt"
	rediscommon "edc-detector/common/redis"
	"edc-detector/internal/config"
	"edc-detector/internal/consumer"
	"edc-detector/internal/dispatcher"
	"edc-detector/internal/evaluator"
	"edc-detector/internal/eventlog"
	"edc-detector/internal/httpapi"
	"edc-detector/internal/ingestor"
	"edc-detector/internal/metrics"
	"edc-detector/internal/notify"
	"edc-detector/internal/registry"
	"edc-detector/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DetectorService 物品在位检测服务（整合各层）
type DetectorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	// 各层组件
	registry     *registry.Registry
	eventLog     *eventlog.EventLog
	dispatcher   *dispatcher.Dispatcher
	evaluator    *evaluator.Evaluator
	ingestor     *ingestor.Ingestor
	mqttConsumer *consumer.MQTTConsumer
	httpServer   *http.Server

	fatal    chan error
	stopOnce sync.Once
}

// NewDetectorService 创建检测服务
func NewDetectorService(cfg *config.Config, logger *zap.Logger) (*DetectorService, error) {
	ctx := context.Background()

	// 1. 连接数据库并建表
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := repository.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, err
	}

	// 2. 连接 Redis（可选）
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	// 3. 连接 MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := assemble(cfg, db, redisClient, mqttClient, reg, logger)
	if err != nil {
		mqttClient.Disconnect()
		db.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, err
	}
	return s, nil
}

// assemble 组装各层组件（不建立外部连接）
func assemble(cfg *config.Config, db *sql.DB, redisClient *redis.Client, mqttClient *mqttcommon.Client, reg *prometheus.Registry, logger *zap.Logger) (*DetectorService, error) {
	m := metrics.New(reg)
	fatal := make(chan error, 1)

	// 1. Repository 层
	itemRepo := repository.NewItemRepository(db, cfg.Database.Driver, logger)
	logRepo := repository.NewEventLogRepository(db, cfg.Database.Driver, logger)

	// 2. 注册表
	items := registry.NewRegistry(itemRepo, m, logger)
	items.SetFatalHandler(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err := items.Load(context.Background()); err != nil {
		return nil, err
	}

	// 3. 事件日志
	evLog := eventlog.New(logRepo, eventlog.RetryPolicy{
		MaxRetries:     cfg.Detector.LogWrite.MaxRetries,
		InitialBackoff: cfg.Detector.LogWrite.InitialBackoff,
		MaxBackoff:     cfg.Detector.LogWrite.MaxBackoff,
	}, m, logger)

	// 4. 分发器与订阅者
	disp := dispatcher.New(dispatcher.Options{
		QueueSize:      cfg.Detector.Dispatch.QueueSize,
		EnqueueTimeout: cfg.Detector.Dispatch.EnqueueTimeout,
	}, evLog, m, logger)

	if _, err := disp.Subscribe("log", notify.NewLogSink(logger)); err != nil {
		return nil, err
	}
	if mqttClient != nil {
		sink := notify.NewMQTTAlertSink(mqttClient, items,
			cfg.Detector.Topics.Alerts, cfg.Detector.Topics.Missing, cfg.MQTT.QoS, logger)
		if _, err := disp.Subscribe("mqtt", sink); err != nil {
			return nil, err
		}
	}
	if redisClient != nil {
		sink := notify.NewRedisPresenceSink(redisClient,
			cfg.Presence.KeyPrefix, cfg.Presence.KeySuffix,
			cfg.Presence.Stream, cfg.Presence.StreamMaxLen, cfg.Presence.TTL, logger)
		if _, err := disp.Subscribe("redis", sink); err != nil {
			return nil, err
		}
	}
	if cfg.Webhook.URL != "" {
		if _, err := disp.Subscribe("webhook", notify.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Timeout, logger)); err != nil {
			return nil, err
		}
	}

	// 5. 评估器
	eval := evaluator.New(items, disp, cfg.Detector.MissingTimeout, cfg.Detector.TickInterval, m, logger)

	// 6. 摄取器
	ing := ingestor.New(items, evLog, ingestor.Options{
		AuditUnrecognized: cfg.Detector.AuditUnrecognized,
	}, m, logger)
	ing.SetEvaluationTrigger(eval.Trigger)

	// 7. MQTT 消费者
	var mqttConsumer *consumer.MQTTConsumer
	if mqttClient != nil {
		mqttConsumer = consumer.NewMQTTConsumer(cfg, mqttClient, ing, eval, logger)
	}

	// 8. HTTP API
	handler := httpapi.NewHandler(items, ing, evLog, eval, reg, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &DetectorService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		registry:     items,
		eventLog:     evLog,
		dispatcher:   disp,
		evaluator:    eval,
		ingestor:     ing,
		mqttConsumer: mqttConsumer,
		httpServer:   httpServer,
		fatal:        fatal,
	}, nil
}

// Start 启动服务，阻塞直到 ctx 取消或出现致命错误
func (s *DetectorService) Start(ctx context.Context) error {
	s.logger.Info("Starting detector service",
		zap.Int("item_count", s.registry.Count()),
		zap.Duration("missing_timeout", s.config.Detector.MissingTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	if s.mqttConsumer != nil {
		g.Go(func() error {
			return s.mqttConsumer.Start(gctx)
		})
	}

	g.Go(func() error {
		return s.evaluator.Run(gctx)
	})

	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	// 注册表持久化失败属于致命错误，与单事件错误区分
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatal:
			return fmt.Errorf("fatal registry error: %w", err)
		}
	})

	return g.Wait()
}

// Stop 按依赖顺序停止：先断开入口，再排空摄取、分发与日志，最后关闭连接
func (s *DetectorService) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping detector service")

		if s.mqttConsumer != nil {
			_ = s.mqttConsumer.Stop()
		}
		s.ingestor.Close()
		s.dispatcher.Close()
		s.eventLog.Close()

		if s.redisClient != nil {
			if err := s.redisClient.Close(); err != nil {
				s.logger.Error("Failed to close redis", zap.Error(err))
			}
		}
		if s.mqttClient != nil {
			s.mqttClient.Disconnect()
		}
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	})
	return nil
}
