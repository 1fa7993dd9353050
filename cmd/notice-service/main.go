package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/allergy-notices/internal/config"
	"github.com/jogardn/allergy-notices/internal/events"
	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/internal/store"
	"github.com/jogardn/allergy-notices/internal/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	cfgFile := pflag.String("config", "", "config file (yaml, json or toml)")
	pflag.String("port", "8081", "HTTP port")
	pflag.String("store-driver", "postgres", "notice store: postgres or memory")
	pflag.Bool("kafka-enabled", false, "fan updates out through Kafka")
	pflag.String("log-level", "info", "log level")
	pflag.Parse()

	cfg, err := config.Load(*cfgFile, pflag.CommandLine)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	noticeStore, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	wsHub := websocket.NewHub(logger)
	go wsHub.Run(ctx)

	handler := orders.NewHandler(noticeStore, logger)
	handler.SetWebSocketHub(wsHub)

	if cfg.KafkaEnabled {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		handler.SetEventPublisher(producer)

		// Every replica relays every update to its own websocket clients
		relay := events.HandlerFunc(func(event events.NoticeUpdatedEvent) error {
			wsHub.BroadcastRestaurant(event.RestaurantID, events.TypeNoticeUpdated, event)
			return nil
		})
		consumer, err := events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID(), relay, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
		logger.WithFields(logrus.Fields{
			"brokers":  cfg.KafkaBrokers,
			"topic":    cfg.KafkaTopic,
			"group_id": cfg.KafkaGroupID(),
		}).Info("Kafka fan-out enabled")
	}

	router := mux.NewRouter()
	handler.Register(router)
	router.HandleFunc("/ws", wsHub.HandleWebSocket)
	router.Use(loggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Port,
			"store": cfg.StoreDriver,
		}).Info("Starting notice service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, func()) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("Using in-memory notice store, records are lost on restart")
		return store.NewMemory(), func() {}
	}

	pg, err := store.OpenPostgres(ctx, cfg.Postgres(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open notice database")
	}
	return pg, func() { pg.Close() }
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
