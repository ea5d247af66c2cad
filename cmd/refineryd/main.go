package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"refinery/internal/config"
	"refinery/internal/erasure"
	"refinery/internal/ingest/kafka"
	"refinery/internal/ingest/rabbitmq"
	"refinery/internal/metrics"
	"refinery/internal/pipeline"
	"refinery/internal/refstore"
	"refinery/internal/stream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "refinery.yaml", "path to config file")
	startDate := flag.String("start-date", "", "first partition date (YYYY-MM-DD), overrides config")
	endDate := flag.String("end-date", "", "last partition date (YYYY-MM-DD), overrides config")
	hour := flag.Int("hour", -2, "single hour to process (0-23, -1 for all), overrides config")
	metricsPort := flag.Int("metrics-port", 0, "metrics listen port, overrides config")
	ciMode := flag.Bool("ci-mode", false, "run the batch pipeline synchronously without adapters or metrics push")
	disablePush := flag.Bool("disable-metrics-push", false, "skip pushing metrics to the gateway")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *startDate != "" {
		cfg.Pipeline.StartDate = *startDate
	}
	if *endDate != "" {
		cfg.Pipeline.EndDate = *endDate
	}
	if *hour >= -1 {
		cfg.Pipeline.Hour = *hour
	}
	if *metricsPort > 0 {
		cfg.Metrics.Port = *metricsPort
	}
	if *ciMode {
		cfg.Feature.CIMode = true
	}
	if *disablePush {
		cfg.Metrics.DisablePush = true
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	if err := run(cfg, logger.Sugar()); err != nil && !errors.Is(err, context.Canceled) {
		logger.Sugar().Fatalw("refineryd exited", "error", err)
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := refstore.Open(cfg.Paths.Reference, log)
	if err != nil {
		return fmt.Errorf("open reference store: %w", err)
	}
	engine := erasure.NewEngine(store, log)
	set := metrics.NewSet(log)
	if cfg.Metrics.Pushgateway != "" && !cfg.Metrics.DisablePush && !cfg.Feature.CIMode {
		set.EnablePush(cfg.Metrics.Pushgateway, cfg.Metrics.Job)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && !cfg.Feature.CIMode {
		mux := http.NewServeMux()
		mux.Handle("/metrics", set.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			log.Infow("Serving metrics", "port", cfg.Metrics.Port)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Pipeline.StartDate != "" {
		runner := pipeline.NewRunner(pipeline.Config{
			InputRoot:      cfg.Paths.Input,
			OutputRoot:     cfg.Paths.Output,
			QuarantineRoot: cfg.Paths.Quarantine,
			StartDate:      cfg.Pipeline.StartDate,
			EndDate:        cfg.Pipeline.EndDate,
			Hour:           cfg.Pipeline.Hour,
		}, store, engine, set, log)
		summary, err := runner.Run(ctx)
		if err != nil {
			return fmt.Errorf("batch run: %w", err)
		}
		set.Push()
		log.Infow("Batch run complete",
			"run_id", summary.RunID,
			"partitions", summary.Partitions,
			"failed", summary.Failed,
		)
	}

	if cfg.Feature.CIMode {
		return nil
	}
	if !cfg.Ingest.Kafka.Enabled && !cfg.Ingest.RabbitMQ.Enabled {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.Ingest.Kafka.Enabled {
		var publisher stream.Publisher
		if cfg.Ingest.Kafka.Republish {
			producer, err := kafka.NewProducer(kafkaConfig(cfg))
			if err != nil {
				return fmt.Errorf("kafka producer: %w", err)
			}
			defer producer.Close()
			publisher = producer
		}
		proc := stream.NewProcessor(store, engine, set, log, publisher, cfg.Paths.Output, cfg.Paths.Quarantine)
		adapter, err := kafka.NewAdapter(kafkaConfig(cfg), proc, log)
		if err != nil {
			return fmt.Errorf("kafka adapter: %w", err)
		}
		group.Go(func() error {
			log.Infow("Consuming from kafka", "topics", cfg.Ingest.Kafka.Topics)
			return adapter.Start(groupCtx)
		})
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		proc := stream.NewProcessor(store, engine, set, log, nil, cfg.Paths.Output, cfg.Paths.Quarantine)
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Ingest.RabbitMQ.URL,
			Exchange:      cfg.Ingest.RabbitMQ.Exchange,
			Queue:         cfg.Ingest.RabbitMQ.Queue,
			RoutingKeys:   cfg.Ingest.RabbitMQ.RoutingKeys,
			ConsumerTag:   cfg.Ingest.RabbitMQ.ConsumerTag,
			PrefetchCount: cfg.Ingest.RabbitMQ.PrefetchCount,
			BatchSize:     cfg.Ingest.RabbitMQ.BatchSize,
			FlushInterval: cfg.Ingest.RabbitMQ.FlushInterval,
			Auth: rabbitmq.AuthConfig{
				Username: cfg.Ingest.RabbitMQ.Username,
				Password: cfg.Ingest.RabbitMQ.Password,
			},
		}, proc, log)
		if err != nil {
			return fmt.Errorf("rabbitmq adapter: %w", err)
		}
		group.Go(func() error {
			log.Infow("Consuming from rabbitmq", "queue", cfg.Ingest.RabbitMQ.Queue)
			return adapter.Start(groupCtx)
		})
	}

	err = group.Wait()
	set.Push()
	return err
}

func kafkaConfig(cfg config.Config) kafka.Config {
	return kafka.Config{
		Enabled:        cfg.Ingest.Kafka.Enabled,
		Brokers:        cfg.Ingest.Kafka.Brokers,
		Topics:         cfg.Ingest.Kafka.Topics,
		GroupID:        cfg.Ingest.Kafka.GroupID,
		ClientID:       cfg.Ingest.Kafka.ClientID,
		MaxPollRecords: cfg.Ingest.Kafka.MaxPollRecords,
		Auth: kafka.AuthConfig{
			TLS: kafka.TLSConfig{
				Enabled:            cfg.Ingest.Kafka.TLS.Enabled,
				InsecureSkipVerify: cfg.Ingest.Kafka.TLS.InsecureSkipVerify,
			},
		},
	}
}
