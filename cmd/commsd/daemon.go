package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	comms "github.com/glimte/mmate-comms"
	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/dispatch"
	"github.com/glimte/mmate-comms/health"
	"github.com/glimte/mmate-comms/internal/config"
	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/glimte/mmate-comms/internal/reliability"
	"github.com/glimte/mmate-comms/metrics"
	"github.com/glimte/mmate-comms/transports/memory"
	"github.com/glimte/mmate-comms/transports/natscore"
	rabbitmqTransport "github.com/glimte/mmate-comms/transports/rabbitmq"
	"github.com/glimte/mmate-comms/transports/redislist"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
	shutdownTimeout         = 15 * time.Second
	healthCheckTimeout      = 5 * time.Second
)

// daemon is a started service plus the connections it owns
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	service   *comms.Service
	health    *health.Monitor
	gatherer  prometheus.Gatherer
	transport string
	closers   []func() error
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	d, err := newDaemon(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           d.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(err, server.Shutdown(shutdownCtx), d.shutdown(shutdownCtx))
}

// newDaemon builds and starts the service. Metrics are registered with reg.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*daemon, error) {
	policy, err := cfg.PriorityPolicy()
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metrics.WithRegisterer(reg))

	service, err := comms.NewService(cfg.ServiceName,
		comms.WithLogger(logger),
		comms.WithCommunicationConfig(cfg.Communication()),
		comms.WithPolicy(policy),
		comms.WithRecorder(collector),
		comms.WithMaxConcurrentTasks(cfg.MaxConcurrentTasks),
		comms.WithOfferInterval(cfg.OfferInterval),
		comms.WithTrace(cfg.TraceEnabled),
		comms.WithClientBreakers(breakerFailureThreshold, breakerOpenTimeout, collector.BreakerStateChanged),
	)
	if err != nil {
		return nil, err
	}

	reg.MustRegister(
		metrics.NewTaskCollector(metrics.DefaultNamespace, service.TaskStats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.TopologyFile != "" {
		topo, err := config.LoadTopology(cfg.TopologyFile)
		if err != nil {
			return nil, err
		}
		if err := topo.Apply(service.Channels(), logger); err != nil {
			return nil, err
		}
	}

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		service:  service,
		health:   health.NewMonitor(service.Container()),
		gatherer: reg,
	}
	d.health.SetMetadata("service", cfg.ServiceName)
	d.health.SetMetadata("version", version)
	d.health.AddDependency(health.NewRuntimeChecker(10000, 50000))

	if err := d.registerHandlers(); err != nil {
		return nil, err
	}
	if err := d.attachTransport(ctx); err != nil {
		d.closeAll()
		return nil, err
	}
	d.health.SetMetadata("transport", d.transport)

	if err := service.Start(ctx); err != nil {
		d.closeAll()
		return nil, err
	}
	logger.Info("Service started",
		"service", cfg.ServiceName,
		"transport", d.transport,
		"policy", policy.Name())
	return d, nil
}

// registerHandlers logs every message arriving on an incoming channel.
// Applications embedding the service register their own handlers instead.
func (d *daemon) registerHandlers() error {
	for _, ch := range d.service.Channels().List(channel.Incoming) {
		filter := contracts.NewHeader(ch.ID(), "", "")
		_, err := d.service.Router().RegisterFunc(filter, d.logMessage, dispatch.WithName("log:"+ch.ID()))
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", ch.ID(), err)
		}
	}
	return nil
}

func (d *daemon) logMessage(_ context.Context, payload *contracts.Payload) error {
	msg := payload.Message
	d.logger.Info("Message received",
		"id", msg.ID,
		"header", msg.Header.String(),
		"priority", msg.ChannelPriority,
		"deliveryCount", msg.DeliveryCount,
		"bytes", len(msg.Body))
	return nil
}

// attachTransport adds one listener and one sender backed by the first
// configured broker, in order AMQP, Redis, NATS. Without a broker URL an
// in-process loopback is used.
func (d *daemon) attachTransport(ctx context.Context) error {
	channels := d.service.Channels()
	incoming := channels.List(channel.Incoming)
	outgoing := channels.List(channel.Outgoing)
	name := d.cfg.ServiceName

	var (
		listener communication.Listener
		sender   communication.Sender
		err      error
	)

	switch {
	case d.cfg.AMQPURL != "":
		d.transport = "rabbitmq"
		cm := rabbitmq.NewConnectionManager(d.cfg.AMQPURL, rabbitmq.WithLogger(d.logger))
		if err := d.connect(ctx, "amqp connect", cm.Connect); err != nil {
			return err
		}
		d.closers = append(d.closers, cm.Close)
		d.health.AddDependency(health.NewRabbitMQChecker(cm))

		opts := []rabbitmqTransport.Option{
			rabbitmqTransport.WithRetryLimit(d.cfg.RetryLimit),
			rabbitmqTransport.WithLogger(d.logger),
		}
		if listener, err = rabbitmqTransport.NewListener(name, cm, incoming, opts...); err != nil {
			return err
		}
		if sender, err = rabbitmqTransport.NewSender(name, cm, outgoing, opts...); err != nil {
			return err
		}

	case d.cfg.RedisURL != "":
		d.transport = "redis"
		var client *redis.Client
		err := d.connect(ctx, "redis connect", func(ctx context.Context) (err error) {
			client, err = redislist.NewClient(ctx, d.cfg.RedisURL)
			return err
		})
		if err != nil {
			return err
		}
		d.closers = append(d.closers, client.Close)
		d.health.AddDependency(health.NewRedisChecker(client))

		opts := []redislist.Option{
			redislist.WithRetryLimit(d.cfg.RetryLimit),
			redislist.WithLogger(d.logger),
		}
		if listener, err = redislist.NewListener(name, client, incoming, opts...); err != nil {
			return err
		}
		if sender, err = redislist.NewSender(name, client, outgoing, opts...); err != nil {
			return err
		}

	case d.cfg.NATSURL != "":
		d.transport = "nats"
		var nc *nats.Conn
		err := d.connect(ctx, "nats connect", func(context.Context) (err error) {
			nc, err = natscore.Connect(d.cfg.NATSURL, name)
			return err
		})
		if err != nil {
			return err
		}
		d.closers = append(d.closers, func() error { nc.Close(); return nil })
		d.health.AddDependency(health.NewNATSChecker(nc))

		opts := []natscore.Option{
			natscore.WithRetryLimit(d.cfg.RetryLimit),
			natscore.WithLogger(d.logger),
		}
		if listener, err = natscore.NewListener(name, nc, incoming, opts...); err != nil {
			return err
		}
		if sender, err = natscore.NewSender(name, nc, outgoing, opts...); err != nil {
			return err
		}

	default:
		d.transport = "memory"
		broker := memory.NewBroker()
		opts := []memory.Option{
			memory.WithRetryLimit(d.cfg.RetryLimit),
			memory.WithLogger(d.logger),
		}
		if listener, err = memory.NewListener(name, broker, incoming, opts...); err != nil {
			return err
		}
		if sender, err = memory.NewSender(name, broker, outgoing, opts...); err != nil {
			return err
		}
	}

	if err := d.service.ListenerAdd(ctx, listener); err != nil {
		return err
	}
	return d.service.SenderAdd(ctx, sender)
}

// connect retries fn with exponential backoff until ctx ends or the
// attempts run out
func (d *daemon) connect(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 5)
	return reliability.Retry(ctx, op, policy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			d.logger.Warn("Connection attempt failed", "op", op, "error", err)
		}
		return err
	})
}

func (d *daemon) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/health", d.health.Handler(healthCheckTimeout))
	mux.Handle("/ready", d.health.ReadyHandler())
	mux.Handle("/live", health.LivenessHandler())
	mux.HandleFunc("/stats", d.handleStats)
	return mux
}

func (d *daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.service.Statistics()); err != nil {
		d.logger.Error("Failed to encode statistics", "error", err)
	}
}

func (d *daemon) shutdown(ctx context.Context) error {
	err := d.service.Stop(ctx)
	return errors.Join(err, d.closeAll())
}

func (d *daemon) closeAll() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
