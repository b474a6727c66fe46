// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

const (
	topicPrefix       = "iotmonitor/device/"
	serverStatusTopic = "iotmonitor/server/status"
)

// inboundRate caps how many MQTT messages per second the pipeline
// accepts. Bursts above the cap are dropped, not queued.
const inboundRate = 500

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
}

// Command is the outbound payload published to a device's commands
// topic.
type Command struct {
	CommandID string         `json:"command_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Args      []string       `json:"args,omitempty"`
	Timeout   int            `json:"timeout,omitempty"`
}

// MQTTClient owns the broker connection. Inbound messages are decoded
// from the topic path and handed to the pipeline; the client also
// maintains the retained server availability topic.
type MQTTClient struct {
	opts     MQTTOptions
	pipeline *Pipeline
	cm       *autopaho.ConnectionManager
	limiter  *rate.Limiter
}

// NewMQTTClient builds a client. Call Start to connect.
func NewMQTTClient(opts MQTTOptions, pipeline *Pipeline) *MQTTClient {
	return &MQTTClient{
		opts:     opts,
		pipeline: pipeline,
		limiter:  rate.NewLimiter(rate.Limit(inboundRate), inboundRate*2),
	}
}

// Start connects to the broker and keeps the connection alive until ctx
// is cancelled. On every (re-)connect it re-subscribes and republishes
// the retained server status, since autopaho does not resubscribe on
// its own.
func (c *MQTTClient) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.BrokerURL)
	if err != nil {
		return fwerrors.NewConfigError("mqtt.broker", c.opts.BrokerURL, err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.opts.Username,
		ConnectPassword: []byte(c.opts.Password),
		WillMessage: &paho.WillMessage{
			Topic:   serverStatusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			metrics.MQTTConnected.Set(1)
			logger.Info().Str("broker", c.opts.BrokerURL).Msg("MQTT connected")
			upCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.subscribe(upCtx, cm)
			c.publishServerStatus(upCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			metrics.MQTTConnected.Set(0)
			logger.Warn().Err(err).Msg("MQTT connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnServerDisconnect: func(d *paho.Disconnect) {
				metrics.MQTTConnected.Set(0)
				logger.Warn().Int("reason_code", int(d.ReasonCode)).Msg("MQTT server disconnect")
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fwerrors.NewIngestError("mqtt connect", "", err)
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !c.limiter.Allow() {
			metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("topic", pr.Packet.Topic).
						Interface("panic", r).
						Msg("MQTT message handler panicked")
				}
			}()
			c.route(ctx, pr.Packet)
		}()
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		logger.Warn().Err(err).Msg("MQTT initial connection timed out, retrying in background")
	}
	return nil
}

// Stop publishes the retained offline status and disconnects.
func (c *MQTTClient) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishServerStatus(ctx, c.cm, "offline")
	metrics.MQTTConnected.Set(0)
	return c.cm.Disconnect(ctx)
}

// PublishCommand sends a command to one device.
func (c *MQTTClient) PublishCommand(ctx context.Context, deviceID string, cmd Command) error {
	if c.cm == nil {
		return fwerrors.ErrNotConnected
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fwerrors.NewIngestError("encode command", deviceID, err)
	}
	_, err = c.cm.Publish(ctx, &paho.Publish{
		Topic:   fmt.Sprintf("%s%s/commands", topicPrefix, deviceID),
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fwerrors.NewIngestError("publish command", deviceID, err)
	}
	return nil
}

func (c *MQTTClient) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := []paho.SubscribeOptions{
		{Topic: topicPrefix + "+/status", QoS: 1},
		{Topic: topicPrefix + "+/metrics/#", QoS: 0},
		{Topic: topicPrefix + "+/responses", QoS: 0},
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		logger.Error().Err(err).Msg("MQTT subscribe failed")
		return
	}
	logger.Info().Int("topics", len(subs)).Msg("MQTT subscribed")
}

func (c *MQTTClient) publishServerStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   serverStatusTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		logger.Warn().Err(err).Str("status", status).Msg("Server status publish failed")
	}
}

// route maps a topic to the pipeline handler it belongs to.
func (c *MQTTClient) route(ctx context.Context, pkt *paho.Publish) {
	deviceID, kind, module, ok := parseTopic(pkt.Topic)
	if !ok {
		metrics.MessagesDropped.WithLabelValues("bad_topic").Inc()
		logger.Warn().Str("topic", pkt.Topic).Msg("Unroutable MQTT topic")
		return
	}

	switch kind {
	case "status":
		c.pipeline.HandleStatus(ctx, deviceID, pkt.Payload, pkt.Retain)
	case "metrics":
		c.pipeline.HandleMetrics(ctx, deviceID, module, pkt.Payload)
	case "responses":
		c.pipeline.HandleResponse(deviceID, pkt.Payload)
	default:
		metrics.MessagesDropped.WithLabelValues("bad_topic").Inc()
	}
}

// parseTopic splits iotmonitor/device/{id}/{kind}[/{module}] into its
// parts.
func parseTopic(topic string) (deviceID, kind, module string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		return "", "", "", false
	}
	deviceID = parts[0]
	kind = parts[1]
	if len(parts) == 3 {
		module = parts[2]
	}
	if kind == "metrics" && module == "" {
		return "", "", "", false
	}
	return deviceID, kind, module, true
}
