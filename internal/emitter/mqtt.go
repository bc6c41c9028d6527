package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/config"
	"github.com/andresmejia3/headcount/internal/types"
)

// MQTTEmitter publishes occupancy updates, one topic per court.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client
	log    logrus.FieldLogger

	mu        sync.RWMutex
	published uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter; call Connect before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig, log logrus.FieldLogger) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg, log: log.WithField("component", "mqtt")}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.log.WithField("broker", broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Topic renders the topic template for a court.
func Topic(template, courtID string) string {
	return strings.ReplaceAll(template, "{court}", courtID)
}

// Record publishes the update as JSON. Retained messages let late subscribers see the current count.
func (e *MQTTEmitter) Record(ctx context.Context, u types.OccupancyUpdate) error {
	if e.Client == nil || !e.Client.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(u)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal occupancy: %w", err)
	}

	topic := Topic(e.cfg.Topic, u.CourtID)
	token := e.Client.Publish(topic, e.cfg.QoS, e.cfg.Retained, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		e.countError()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"topic": topic, "count": u.Count}).Debug("occupancy published")
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats returns published and failed message counts.
func (e *MQTTEmitter) Stats() (published, failed uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
}
