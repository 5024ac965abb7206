package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabReview/backend/config"
	"collabReview/backend/internal/cache"
	"collabReview/backend/internal/events"
	"collabReview/backend/internal/httpapi/handlers"
	"collabReview/backend/internal/httpapi/middleware"
	"collabReview/backend/internal/objstore"
	"collabReview/backend/internal/tracked"
	"collabReview/backend/internal/ws"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Str("service", "collab").Logger()
}

// openStore 按 driver 选择持久层，返回的 cleanup 在退出时调用
func openStore(ctx context.Context, cfg *config.Config) (objstore.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMySQL:
		s, err := objstore.OpenMySQL(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		s, err := objstore.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return objstore.NewMemoryStore(), func() {}, nil
	}
}

func newProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, kafkaCfg)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store failed")
	}
	defer closeStore()

	hubOpts := []ws.HubOption{ws.WithHubLogger(logger.With().Str("component", "hub").Logger())}

	// 单地址用单机客户端，多地址走集群
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Strs("addrs", cfg.Redis.Addrs).Msg("connect redis failed")
		}
		defer rdb.Close()

		hubOpts = append(hubOpts, ws.WithPresence(cache.NewRedisPresence(rdb)))
		if cfg.Store.Driver != config.DriverMemory {
			store = objstore.NewCachedStore(store, rdb, cfg.Store.CacheTTL, logger.With().Str("component", "objcache").Logger())
		}
	}

	engineOpts := []tracked.Option{tracked.WithLogger(logger.With().Str("component", "tracked").Logger())}

	// === Kafka 变更事件（可选） ===
	var dispatcher *events.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("connect kafka failed")
		}
		defer producer.Close()

		dispatcher = events.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			events.NewSemaphoreControl(events.MaxSemaphore),
			logger.With().Str("component", "kafka").Logger(),
			events.DefaultDispatcherOptions(),
		)
		engineOpts = append(engineOpts, tracked.WithPublisher(dispatcher))
	}

	hub := ws.NewHub(hubOpts...)
	engine := tracked.NewEngine(store, engineOpts...)
	manager := ws.NewManager(hub, logger.With().Str("component", "ws").Logger(), cfg.Cors.AllowOrigins)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	if cfg.Cors.Enabled {
		corsCfg := cors.DefaultConfig()
		if len(cfg.Cors.AllowOrigins) == 0 || slices.Contains(cfg.Cors.AllowOrigins, "*") {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = cfg.Cors.AllowOrigins
			corsCfg.AllowCredentials = true
		}
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		r.Use(cors.New(corsCfg))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	collab := r.Group("/collab")
	// 鉴权中间件会从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，并写入 userId/userName/role
	collab.Use(middleware.AuthMiddleware(cfg.Auth.Path, logger))
	collab.GET("/ws", manager.WebSocketConnect)
	handlers.New(engine, hub, logger.With().Str("component", "http").Logger()).Register(collab)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.Running.Port).Str("store", cfg.Store.Driver).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先断开 websocket 连接，hijack 过的连接不受 Shutdown 管理
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
}
