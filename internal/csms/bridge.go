package csms

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const bridgeQueueSize = 512

// MQTTPublisher is the slice of the MQTT client the bridge needs.
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

type pahoPublisher struct {
	client mqtt.Client
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// MQTTBridge mirrors broadcast updates onto MQTT topics for external
// consumers. Publishing happens on a worker goroutine so broker
// latency never stalls frame handling; a full queue drops updates.
type MQTTBridge struct {
	publisher   MQTTPublisher
	topicPrefix string
	logger      *zap.Logger
	metrics     *Metrics

	queue chan Update
	done  chan struct{}
}

// NewMQTTBridge connects to the broker and starts the publish worker.
func NewMQTTBridge(brokerURL, clientID, topicPrefix string, logger *zap.Logger, metrics *Metrics) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}

	return newBridge(&pahoPublisher{client: client}, topicPrefix, logger, metrics), nil
}

// NewMQTTBridgeWithPublisher starts a bridge over an existing
// publisher. Used in tests.
func NewMQTTBridgeWithPublisher(publisher MQTTPublisher, topicPrefix string, logger *zap.Logger, metrics *Metrics) *MQTTBridge {
	return newBridge(publisher, topicPrefix, logger, metrics)
}

func newBridge(publisher MQTTPublisher, topicPrefix string, logger *zap.Logger, metrics *Metrics) *MQTTBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MQTTBridge{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		logger:      logger,
		metrics:     metrics,
		queue:       make(chan Update, bridgeQueueSize),
		done:        make(chan struct{}),
	}
	go b.worker()
	return b
}

// Tap is the fanout observer. It never blocks the publisher.
func (b *MQTTBridge) Tap(update Update) {
	select {
	case b.queue <- update:
	default:
		b.logger.Warn("mqtt bridge queue full, dropping update",
			zap.String("event", update.Event),
			zap.String("serial", update.Serial),
		)
		b.metrics.RecordError("bridge", "queue_full")
	}
}

func (b *MQTTBridge) worker() {
	for {
		select {
		case update := <-b.queue:
			b.publish(update)
		case <-b.done:
			return
		}
	}
}

func (b *MQTTBridge) publish(update Update) {
	topic := b.topicFor(update)
	if topic == "" {
		return
	}

	payload, err := json.Marshal(update)
	if err != nil {
		b.metrics.RecordError("bridge", "encode")
		return
	}

	if err := b.publisher.Publish(topic, payload); err != nil {
		b.logger.Warn("mqtt publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		b.metrics.RecordError("bridge", "publish")
	}
}

func (b *MQTTBridge) topicFor(update Update) string {
	switch update.Event {
	case EventStatusUpdate:
		return fmt.Sprintf("%s/chargers/%s/status", b.topicPrefix, update.Serial)
	case EventHeartbeatUpdate:
		return fmt.Sprintf("%s/chargers/%s/heartbeat", b.topicPrefix, update.Serial)
	default:
		// Snapshots are connection-scoped, not broker material.
		return ""
	}
}

func (b *MQTTBridge) Close() {
	close(b.done)
	b.publisher.Close()
}
