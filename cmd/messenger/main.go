// Command messenger runs the outbound messaging service: the schedule and
// dispatch polling loops, the provider webhook endpoint, and the ops
// surface (/health, /metrics).
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/peopleops/pulse/internal/channel"
	"github.com/peopleops/pulse/internal/config"
	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/internal/dispatch"
	"github.com/peopleops/pulse/internal/events"
	"github.com/peopleops/pulse/internal/recipient"
	"github.com/peopleops/pulse/internal/schedule"
	"github.com/peopleops/pulse/internal/scheduler"
	"github.com/peopleops/pulse/internal/survey"
	"github.com/peopleops/pulse/internal/webhook"
	"github.com/peopleops/pulse/pkg/database"
	"github.com/peopleops/pulse/pkg/jsonutil"
	"github.com/peopleops/pulse/pkg/messaging"
	"github.com/peopleops/pulse/pkg/observability"
)

const serviceName = "pulse-messenger"

func main() {
	cfgFile := flag.String("config", "", "optional config file (environment wins otherwise)")
	flag.Parse()

	log := observability.NewLogger(serviceName)

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: os.Getenv("PULSE_ENV"),
	})
	if err != nil {
		log.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	var dedup webhook.DedupStore
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		dedup = webhook.NewRedisDedup(redisClient)
	} else {
		log.Warn("redis not configured, webhook deduplication disabled")
	}

	var queue events.QueuePublisher
	if cfg.RabbitURL != "" {
		rabbit, err := messaging.NewRabbitPublisher(cfg.RabbitURL)
		if err != nil {
			log.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbit.Close()
		if err := rabbit.DeclareQueue(events.DeliveryEventsQueue); err != nil {
			log.Error("failed to declare events queue", "error", err)
			os.Exit(1)
		}
		queue = rabbit
	} else {
		log.Warn("rabbitmq not configured, lifecycle events disabled")
	}

	var stream events.StreamPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka := messaging.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		stream = kafka
	} else {
		log.Warn("kafka not configured, analytics stream disabled")
	}

	publisher := events.NewPublisher(queue, stream, log)

	schedules := schedule.NewRepository(db)
	ledger := delivery.NewRepository(db)
	responses := survey.NewRepository(db)
	directory := recipient.NewRepository(db)

	sender := channel.NewClient(cfg.Channel.BaseURL, cfg.Channel.APIKey, cfg.Channel.Timeout)
	resolver := recipient.NewResolver(directory)
	generator := delivery.NewGenerator(ledger, log)
	dispatcher := dispatch.NewDispatcher(ledger, sender, schedules, publisher, cfg.ReplyBaseURL, log)
	processor := webhook.NewProcessor(ledger, responses, schedules, sender, publisher, log)

	sched := scheduler.New(schedules, resolver, generator, ledger, dispatcher, scheduler.Options{
		SchedulePollInterval: cfg.SchedulePollInterval,
		DispatchPollInterval: cfg.DispatchPollInterval,
		ScheduleBatchSize:    cfg.ScheduleBatchSize,
		DispatchBatchSize:    cfg.DispatchBatchSize,
	}, log)
	sched.Start(ctx)
	defer sched.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			jsonutil.WriteErrorJSON(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	webhook.NewHandler(processor, cfg.WebhookSecret, dedup, log).Register(router)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
}
