package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-raffle/internal/autopay"
	autopayredis "ms-raffle/internal/autopay/redis"
	"ms-raffle/internal/config"
	"ms-raffle/internal/database"
	"ms-raffle/internal/gateway"
	"ms-raffle/internal/inventory"
	"ms-raffle/internal/kafka"
	"ms-raffle/internal/logger"
	"ms-raffle/internal/models"
	"ms-raffle/internal/pricing"
	"ms-raffle/internal/raffle/api"
	"ms-raffle/internal/reservation"
	"ms-raffle/internal/settlement"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Raffle Engine initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer bunDB.Close()
	log.Info("DATABASE", "PostgreSQL connection successful")

	if err := database.Migrate(ctx, bunDB); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
	log.Info("DATABASE", "Schema migration complete")

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	log.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s", cfg.Redis.Addr))

	var producer *kafka.Producer
	var settleEvents settlement.EventPublisher
	var apiEvents api.EventPublisher
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.Topic}); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		settleEvents = producer
		apiEvents = producer
		defer producer.Close()
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, events will not be streamed")
	}

	stripeClient, err := gateway.NewStripeClient(log)
	if err != nil {
		log.Fatal("STRIPE", fmt.Sprintf("Payment gateway init failed: %v", err))
	}

	store := inventory.NewStore(bunDB, log)
	reservations := reservation.NewManager(bunDB, log, cfg.Raffle.ReservationTTL)
	settler := settlement.NewService(bunDB, log, settleEvents)
	prices := pricing.NewService(redisClient, log, cfg.Raffle.TicketPrice, cfg.Raffle.Currency, cfg.Raffle.PriceCacheTTL)
	drawLock := autopayredis.NewRedis(redisClient, log, cfg.Raffle.AutopayLockTTL)
	ledger := autopay.NewLedger(bunDB, log)
	orchestrator := autopay.NewOrchestrator(bunDB, log, store, reservations, settler, stripeClient, prices, drawLock, ledger)

	handler := &api.Handler{
		Inventory:    store,
		Reservations: reservations,
		Settlement:   settler,
		Autopay:      orchestrator,
		Pricing:      prices,
		Events:       apiEvents,
		Log:          log,
	}

	log.Info("HTTP", "Setting up router")
	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if cfg.Kafka.Enabled {
		// A sell-out closes the draw and opens its successor; the consumer
		// picks the event up and kicks off autopay for the new draw.
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, "raffle-engine-autopay")
		defer consumer.Close()
		go consumer.Start(consumerCtx, func(event models.EngineEvent) {
			if event.Type != "draw_closed" {
				return
			}
			draw, err := store.CurrentDraw(consumerCtx)
			if err != nil {
				log.Warn("AUTOPAY", fmt.Sprintf("No open draw after close of %s: %v", event.DrawID, err))
				return
			}
			if _, err := orchestrator.Run(consumerCtx, draw.ID); err != nil {
				log.Error("AUTOPAY", fmt.Sprintf("Autopay run for draw %s failed: %v", draw.ID, err))
			}
		})
		log.Info("KAFKA", "Draw close consumer started")
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Raffle Engine running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopConsumer()
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "Raffle Engine shutdown complete")
	}
}
