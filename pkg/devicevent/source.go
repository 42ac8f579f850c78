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

package devicevent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
)

// Source delivers raw device events to a handler until its context ends.
type Source interface {
	Run(ctx context.Context) error
}

// PayloadHandler consumes one raw event.
type PayloadHandler func(ctx context.Context, payload []byte) error

// RedisSource subscribes to a Redis pub/sub channel.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	handle  PayloadHandler
	logger  *slog.Logger
}

func NewRedisSource(client redis.UniversalClient, channel string, handle PayloadHandler, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:  client,
		channel: channel,
		handle:  handle,
		logger:  logger.With("component", "device-events", "source", "redis", "channel", channel),
	}
}

// Run subscribes and dispatches messages until ctx is done. go-redis
// resubscribes on its own after connection loss.
func (s *RedisSource) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("subscribed to device events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			_ = s.handle(ctx, []byte(msg.Payload))
		}
	}
}

// MQTTSourceConfig configures an MQTTSource.
type MQTTSourceConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
}

const mqttTimeout = 10 * time.Second

// MQTTSource subscribes to a topic on an upstream MQTT broker with paho.
type MQTTSource struct {
	cfg    MQTTSourceConfig
	handle PayloadHandler
	logger *slog.Logger
}

func NewMQTTSource(cfg MQTTSourceConfig, handle PayloadHandler, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		cfg:    cfg,
		handle: handle,
		logger: logger.With("component", "device-events", "source", "mqtt", "topic", cfg.Topic),
	}
}

func (s *MQTTSource) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(mqttTimeout)
	opts.SetKeepAlive(60 * time.Second)

	// Subscribing from the connect handler restores the subscription after
	// every reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.messageHandler(ctx))
		go func() {
			if !tok.WaitTimeout(mqttTimeout) {
				s.logger.Warn("device event subscription timed out")
				return
			}
			if err := tok.Error(); err != nil {
				s.logger.Error("device event subscription failed", "error", err)
				return
			}
			s.logger.Info("subscribed to device events")
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("device event connection lost", "error", err)
	})
	return opts
}

func (s *MQTTSource) messageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		_ = s.handle(ctx, m.Payload())
	}
}

// Run connects and stays subscribed until ctx is done.
func (s *MQTTSource) Run(ctx context.Context) error {
	client := mqtt.NewClient(s.clientOptions(ctx))
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", s.cfg.BrokerURL, err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return nil
	}

	<-ctx.Done()
	client.Disconnect(250)
	return nil
}
