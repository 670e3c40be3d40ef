// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AleutianAI/lifeline/services/transport/errs"
)

// GatewayConfig configures the MQTT SMS gateway.
type GatewayConfig struct {
	Broker   string        `yaml:"broker" validate:"omitempty,url"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	QoS      byte          `yaml:"qos" validate:"lte=2"`
	Timeout  time.Duration `yaml:"timeout"`

	// Permitted is the user's consent to silent sending.
	Permitted bool `yaml:"permitted"`
}

// DefaultGatewayConfig returns QoS 1 on "lifeline/sms/outbound".
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Topic:     "lifeline/sms/outbound",
		ClientID:  "lifeline-device",
		QoS:       1,
		Timeout:   10 * time.Second,
		Permitted: true,
	}
}

// gatewayPayload is what the gateway receives on the topic.
type gatewayPayload struct {
	Message
	QueuedAt time.Time `json:"queued_at"`
}

// MQTTGateway is a Native transport that publishes to an SMS gateway
// over MQTT.
type MQTTGateway struct {
	client mqtt.Client
	cfg    GatewayConfig
	logger *slog.Logger
}

// NewMQTTGateway builds a gateway client. It does not connect; call Connect.
func NewMQTTGateway(cfg GatewayConfig, logger *slog.Logger) *MQTTGateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "sms_gateway", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	opts.OnConnect = func(mqtt.Client) { logger.Info("connected to sms gateway") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { logger.Warn("sms gateway connection lost", "error", err) }

	return NewMQTTGatewayWithClient(mqtt.NewClient(opts), cfg, logger)
}

// NewMQTTGatewayWithClient wraps an existing client.
func NewMQTTGatewayWithClient(client mqtt.Client, cfg GatewayConfig, logger *slog.Logger) *MQTTGateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGatewayConfig().Timeout
	}
	return &MQTTGateway{client: client, cfg: cfg, logger: logger}
}

// Connect starts the connection and waits up to the configured timeout or
// until ctx is done. The client keeps retrying in the background.
func (g *MQTTGateway) Connect(ctx context.Context) error {
	token := g.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errs.New(errs.TransportFailure, "sms.gateway_connect", err)
		}
		return nil
	case <-ctx.Done():
		return errs.New(errs.TransportFailure, "sms.gateway_connect", ctx.Err())
	case <-time.After(g.cfg.Timeout):
		// SetConnectRetry keeps trying; Available reports when it lands.
		return nil
	}
}

// Available implements Native.
func (g *MQTTGateway) Available(context.Context) bool {
	return g.client.IsConnectionOpen()
}

// Permitted implements Native.
func (g *MQTTGateway) Permitted(context.Context) error {
	if !g.cfg.Permitted {
		return errs.Errorf(errs.PermissionDenied, "sms.gateway_permitted", "silent sending not permitted")
	}
	return nil
}

// Send implements Native.
func (g *MQTTGateway) Send(ctx context.Context, msg Message) error {
	const op = "sms.gateway_send"

	payload, err := json.Marshal(gatewayPayload{Message: msg, QueuedAt: time.Now().UTC()})
	if err != nil {
		return errs.New(errs.InvalidFormat, op, err)
	}

	token := g.client.Publish(g.cfg.Topic, g.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errs.New(errs.TransportFailure, op, err)
		}
	case <-ctx.Done():
		return errs.New(errs.TransportFailure, op, ctx.Err())
	case <-time.After(g.cfg.Timeout):
		return errs.New(errs.TransportFailure, op, fmt.Errorf("publish not acknowledged within %s", g.cfg.Timeout))
	}
	g.logger.Debug("published to sms gateway", "topic", g.cfg.Topic, "message_id", msg.MessageID)
	return nil
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (g *MQTTGateway) Close() {
	g.client.Disconnect(250)
}

var _ Native = (*MQTTGateway)(nil)
