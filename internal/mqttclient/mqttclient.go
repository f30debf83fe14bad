// Package mqttclient bridges the fleet's MQTT broker to the engine:
// telemetry samples in, published estimates out.
package mqttclient

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/batteryfleet/rul-engine/engine"
	"github.com/batteryfleet/rul-engine/rulconfig"
	"github.com/batteryfleet/rul-engine/telemetry"
)

// SampleFunc receives each decoded telemetry sample.
type SampleFunc func(telemetry.MeasurementSample)

// Client wraps the paho connection for the daemon's two topics.
type Client struct {
	client mqtt.Client
	cfg    rulconfig.MQTT
	log    *logrus.Logger
}

// Connect dials the broker with automatic reconnection. Subscriptions are
// re-established on every reconnect by the OnConnect handler paho runs.
func Connect(cfg rulconfig.MQTT, log *logrus.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("broker", cfg.Broker).Info("Connected to MQTT broker.")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost, reconnecting.")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return &Client{client: client, cfg: cfg, log: log}, nil
}

// SubscribeTelemetry delivers every decoded sample on the telemetry topic
// to fn. Malformed payloads are logged and dropped; one bad publisher must
// not stall the stream.
func (c *Client) SubscribeTelemetry(fn SampleFunc) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var sample telemetry.MeasurementSample
		if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
			c.log.WithError(err).WithField("topic", msg.Topic()).Warn("Dropping malformed telemetry payload.")
			return
		}
		fn(sample)
	}
	token := c.client.Subscribe(c.cfg.TelemetryTopic, c.cfg.QoS, handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.TelemetryTopic, token.Error())
	}
	c.log.WithField("topic", c.cfg.TelemetryTopic).Info("Subscribed to telemetry.")
	return nil
}

// PublishEstimate publishes one estimate on the per-cell estimate topic.
func (c *Client) PublishEstimate(est *engine.RULEstimate) error {
	payload, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}
	topic := fmt.Sprintf(c.cfg.EstimateTopic, est.CellID)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish estimate to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects, allowing in-flight messages a short drain.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.log.Info("MQTT client disconnected.")
}
