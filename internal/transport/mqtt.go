package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/intersection.control/internal/monitoring"
)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is a Transport over an MQTT broker. The client reconnects on its own
// and re-subscribes every active filter after each reconnect.
type MQTT struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	log     *logrus.Entry

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

// NewMQTT connects to the broker. Connection is retried in the background if
// the broker is not reachable yet, so startup does not depend on broker order.
func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", opts.QoS)
	}
	m := &MQTT{
		qos:     opts.QoS,
		timeout: opts.ConnectTimeout,
		log:     monitoring.Logger("mqtt"),
		subs:    make(map[string]mqtt.MessageHandler),
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(60 * time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.WithError(err).Warn("connection to broker lost, reconnecting")
		})
	m.client = mqtt.NewClient(co)

	tok := m.client.Connect()
	if tok.WaitTimeout(opts.ConnectTimeout) && tok.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, tok.Error())
	}
	return m, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.log.Info("connected to broker")
	m.mu.Lock()
	defer m.mu.Unlock()
	for filter, cb := range m.subs {
		if tok := c.Subscribe(filter, m.qos, cb); tok.WaitTimeout(m.timeout) && tok.Error() != nil {
			m.log.WithError(tok.Error()).WithField("filter", filter).Error("re-subscribe failed")
		}
	}
}

// Subscribe listens on "<base>/+" until ctx is done.
func (m *MQTT) Subscribe(ctx context.Context, base string, h Handler) error {
	filter := Topic(base, "+")
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		h(ctx, Message{
			Topic:    msg.Topic(),
			Key:      KeyOf(msg.Topic()),
			Payload:  msg.Payload(),
			Received: time.Now(),
		})
	}

	m.mu.Lock()
	m.subs[filter] = cb
	m.mu.Unlock()

	if m.client.IsConnected() {
		tok := m.client.Subscribe(filter, m.qos, cb)
		if tok.WaitTimeout(m.timeout) && tok.Error() != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, tok.Error())
		}
	}
	m.log.WithField("filter", filter).Info("subscribed")

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs, filter)
	m.mu.Unlock()
	if m.client.IsConnected() {
		m.client.Unsubscribe(filter).WaitTimeout(m.timeout)
	}
	return ctx.Err()
}

// Publish sends payload to "<base>/<key>" and waits for the broker to accept
// it (QoS permitting) or ctx to end.
func (m *MQTT) Publish(ctx context.Context, base, key string, payload []byte) error {
	tok := m.client.Publish(Topic(base, key), m.qos, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects after giving in-flight work 250ms to finish.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
