package connectivity

import (
	"errors"
	"fmt"

	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
)

// mqttLink drives an Adafruit-IO-style MQTT broker through paho. Reconnect
// policy stays with the Manager, so paho's own auto-reconnect is disabled.
type mqttLink struct {
	cfg    controller.ConnectivitySettings
	logger *zap.Logger
	client mqtt.Client
}

func NewMQTTLink(cfg controller.ConnectivitySettings, logger *zap.Logger) Link {
	return &mqttLink{cfg: cfg, logger: logger}
}

func (l *mqttLink) Connect(timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.cfg.ClientID).
		SetUsername(l.cfg.User).
		SetPassword(l.cfg.Key).
		SetConnectTimeout(timeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(false).
		SetCleanSession(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		client.Disconnect(0)
		return errors.New("connect timed out")
	}
	if err := tok.Error(); err != nil {
		client.Disconnect(0)
		return err
	}
	l.client = client
	return nil
}

// Probe publishes a heartbeat at QoS 1 and waits for the ack; a nominally
// open connection that cannot complete this round trip counts as failed.
func (l *mqttLink) Probe(timeout time.Duration) error {
	if l.client == nil || !l.client.IsConnectionOpen() {
		return errors.New("connection closed")
	}
	topic := fmt.Sprintf("%s/feeds/%s", l.cfg.User, l.cfg.ProbeFeed)
	return l.publish(topic, []byte("1"), timeout)
}

func (l *mqttLink) Publish(topic string, payload []byte, timeout time.Duration) error {
	if l.client == nil || !l.client.IsConnectionOpen() {
		return errors.New("connection closed")
	}
	return l.publish(topic, payload, timeout)
}

func (l *mqttLink) publish(topic string, payload []byte, timeout time.Duration) error {
	tok := l.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return tok.Error()
}

func (l *mqttLink) Close() {
	if l.client != nil {
		l.client.Disconnect(250)
		l.client = nil
	}
}
