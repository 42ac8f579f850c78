// Copyright 2024 The brokerguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/brokerguard/pkg/authsvc"
	"github.com/turtacn/brokerguard/pkg/broker"
	"github.com/turtacn/brokerguard/pkg/config"
	"github.com/turtacn/brokerguard/pkg/devicereg"
	"github.com/turtacn/brokerguard/pkg/devicevent"
	"github.com/turtacn/brokerguard/pkg/disconnect"
	"github.com/turtacn/brokerguard/pkg/enricher"
	"github.com/turtacn/brokerguard/pkg/lifecycle"
	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/monitor"
	"github.com/turtacn/brokerguard/pkg/session"
	"github.com/turtacn/brokerguard/pkg/storage"
)

const (
	shutdownTimeout     = 10 * time.Second
	healthInterval      = 15 * time.Second
	cacheSweepInterval  = time.Minute
	addressIdleTimeout  = time.Hour
	disconnectQueueWarn = 10000
)

// brokerRef lets the disconnect processor be built before the broker it
// drives; it is set before anything is started.
type brokerRef struct {
	*broker.Broker
}

// app owns every long-running component of the service.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	registry   *session.Registry
	memCache   *storage.MemStore
	addresses  *enricher.AddressTracker
	dispatcher *authsvc.Dispatcher
	processor  *disconnect.Processor
	controller *lifecycle.Controller
	broker     *broker.Broker
	source     devicevent.Source
	health     *monitor.HealthChecker
	httpServer *metrics.Server

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(promReg)

	var redisClient *redis.Client
	if cfg.Session.CacheBackend == "redis" || cfg.Events.Source == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, redisClient)
	}

	var cache storage.Store
	switch cfg.Session.CacheBackend {
	case "redis":
		cache = storage.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
	default:
		a.memCache = storage.NewMemStore()
		cache = a.memCache
	}

	a.registry = session.NewRegistry(
		session.WithShards(cfg.Session.Shards),
		session.WithCache(cache, cfg.Session.CacheTTL),
		session.WithLogger(logger),
		session.WithMetrics(a.metrics),
	)

	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}
	a.dispatcher = authsvc.NewDispatcher(notifier,
		authsvc.WithTimeout(cfg.Auth.Timeout),
		authsvc.WithWorkers(cfg.Auth.Workers),
		authsvc.WithQueueSize(cfg.Auth.QueueSize),
		authsvc.WithLogger(logger),
		authsvc.WithMetrics(a.metrics),
	)

	ref := &brokerRef{}
	a.processor = disconnect.NewProcessor(ref, a.registry,
		disconnect.WithGraceful(cfg.Disconnect.Graceful),
		disconnect.WithLogger(logger),
		disconnect.WithMetrics(a.metrics),
	)

	a.controller = lifecycle.NewController(lifecycle.Config{
		ClusterName:      cfg.Broker.ClusterName,
		BrokerHost:       cfg.Broker.BrokerHost,
		NotifyConnect:    cfg.Auth.NotifyConnect,
		ForceCloseStolen: cfg.Disconnect.ForceCloseStolen,
		TerminalStateTTL: cfg.Session.TerminalStateTTL,
	}, a.registry, a.dispatcher,
		lifecycle.WithCommandQueue(a.processor),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(a.metrics),
	)

	a.addresses = enricher.NewAddressTracker()
	enr := enricher.New(enricher.Config{
		InternalAddressPrefix: cfg.Enricher.InternalAddressPrefix,
		MissingTopicSuffix:    cfg.Enricher.MissingTopicSuffix,
		SizeLogThreshold:      cfg.Enricher.MessageSizeLogThreshold,
		ConnectorName:         cfg.Enricher.ConnectorName,
	}, a.registry,
		enricher.WithTracker(a.addresses),
		enricher.WithLogger(logger),
		enricher.WithMetrics(a.metrics),
	)

	a.broker, err = broker.New(broker.Options{
		ListenAddress: cfg.Broker.ListenAddress,
		ListenerID:    cfg.Enricher.ConnectorName,
		Identity: broker.IdentityResolver{
			DefaultAccount: cfg.Broker.DefaultAccount,
			InternalUsers:  cfg.Broker.InternalUsers,
			ConnectorName:  cfg.Enricher.ConnectorName,
		},
		InlineClient: cfg.Broker.InlineClient,
	}, a.controller, enr, logger)
	if err != nil {
		return nil, err
	}
	ref.Broker = a.broker

	resolver, pinger, err := a.newResolver(ctx)
	if err != nil {
		return nil, err
	}
	correlator := devicevent.NewCorrelator(resolver, a.processor,
		devicevent.WithLogger(logger), devicevent.WithMetrics(a.metrics))

	switch cfg.Events.Source {
	case "redis":
		a.source = devicevent.NewRedisSource(redisClient, cfg.Events.Redis.Channel, correlator.HandlePayload, logger)
	case "mqtt":
		a.source = devicevent.NewMQTTSource(devicevent.MQTTSourceConfig{
			BrokerURL: cfg.Events.MQTT.BrokerURL,
			ClientID:  cfg.Events.MQTT.ClientID,
			Topic:     cfg.Events.MQTT.Topic,
			QoS:       byte(cfg.Events.MQTT.QoS),
		}, correlator.HandlePayload, logger)
	}

	a.health = monitor.NewHealthChecker(
		monitor.WithNode(cfg.Broker.BrokerHost),
		monitor.WithVersion(Version),
		monitor.WithLogger(logger),
	)
	a.health.RegisterCheck("session_registry", monitor.RegistryCheck(a.registry), true)
	a.health.RegisterCheck("auth_queue", monitor.QueueDepthCheck(a.dispatcher.QueueDepth, cfg.Auth.QueueSize*9/10), false)
	a.health.RegisterCheck("disconnect_queue", monitor.QueueDepthCheck(a.processor.Len, disconnectQueueWarn), false)
	if redisClient != nil {
		a.health.RegisterCheck("redis", monitor.PingCheck(storage.NewRedisStore(redisClient, "")), true)
	}
	if pinger != nil {
		a.health.RegisterCheck("device_registry", monitor.PingCheck(pinger), false)
	}

	a.httpServer = metrics.NewServer(cfg.Metrics.Address, promReg, monitor.NewHealthServer(a.health).Handlers(), logger)
	return a, nil
}

func (a *app) newNotifier() (authsvc.Notifier, error) {
	cfg := a.cfg.Auth
	switch cfg.Notifier {
	case "http":
		return authsvc.NewHTTPNotifier(cfg.HTTP.URL, cfg.HTTP.BearerToken, &http.Client{Timeout: cfg.Timeout}), nil
	case "kafka":
		n := authsvc.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, n)
		return n, nil
	case "log":
		return authsvc.NewLogNotifier(a.logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported notifier %q", config.ErrInvalidConfig, cfg.Notifier)
	}
}

func (a *app) newResolver(ctx context.Context) (devicereg.Resolver, monitor.Pinger, error) {
	cfg := a.cfg.DeviceRegistry
	if cfg.Driver != "postgres" {
		return devicereg.NewMemoryResolver(), nil, nil
	}
	r, err := devicereg.OpenPostgres(ctx, cfg.DSN, cfg.QueryTimeout)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, r)
	return r, r, nil
}

// run starts everything, blocks until ctx is done and shuts down in
// dependency order: the broker first so its final disconnects are still
// queued and delivered, the background workers last.
func (a *app) run(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	a.dispatcher.Start(bg)
	if err := a.processor.Start(bg); err != nil {
		return fmt.Errorf("failed to start disconnect processor: %w", err)
	}
	if err := a.broker.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				a.logger.Error("component failed", "component", name, "error", err)
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("metrics-server", a.httpServer.Serve)
	goRun("health", func() error { a.health.RunPeriodic(bg, healthInterval); return nil })
	if a.memCache != nil {
		goRun("session-cache-sweeper", func() error { a.memCache.RunSweeper(bg, cacheSweepInterval); return nil })
	}
	goRun("address-pruner", func() error {
		a.addresses.RunPruner(bg, cacheSweepInterval, addressIdleTimeout)
		return nil
	})
	if a.source != nil {
		goRun("device-events", func() error { return a.source.Run(bg) })
	}

	a.logger.Info("brokerguard started",
		"cluster", a.cfg.Broker.ClusterName,
		"broker_host", a.cfg.Broker.BrokerHost,
		"listen", a.cfg.Broker.ListenAddress,
		"events", a.cfg.Events.Source)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	var errs []error
	errs = append(errs, runErr)
	errs = append(errs, a.broker.Close())
	errs = append(errs, a.processor.Stop(shutdownCtx))
	a.controller.Close()
	a.dispatcher.Stop()
	errs = append(errs, a.httpServer.Shutdown(shutdownCtx))
	cancel()
	wg.Wait()
	a.closeAll()

	a.logger.Info("brokerguard stopped", "active_sessions", a.registry.Len())
	return errors.Join(errs...)
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
