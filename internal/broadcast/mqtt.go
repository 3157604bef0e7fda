package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const defaultPublishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTT publishes channel messages under <prefix>/<channel> and optionally
// feeds frames received on <prefix>/frames to a handler.
type MQTT struct {
	client mqtt.Client
	prefix string
}

// FrameHandler receives the raw payload of a message on <prefix>/frames.
type FrameHandler func(payload []byte)

// Topic joins prefix and channel.
func Topic(prefix, channel string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return channel
	}
	return prefix + "/" + channel
}

// DialMQTT connects to broker. When onFrame is not nil the client
// (re)subscribes to the frames topic on every connect.
func DialMQTT(broker, prefix string, onFrame FrameHandler) (*MQTT, error) {
	clientID := "bioface-" + uuid.New().String()
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)

	framesTopic := Topic(prefix, "frames")
	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("connected to MQTT", "broker", broker, "client_id", clientID)
		if onFrame == nil {
			return
		}
		token := c.Subscribe(framesTopic, 0, func(_ mqtt.Client, m mqtt.Message) {
			onFrame(m.Payload())
		})
		if token.Wait() && token.Error() != nil {
			slog.Error("MQTT subscribe failed", "topic", framesTopic, "error", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, token.Error())
	}
	return &MQTT{client: client, prefix: prefix}, nil
}

// Publish sends msg as JSON with QoS 0. It waits for the client to hand
// the message off, bounded by ctx's deadline.
func (m *MQTT) Publish(ctx context.Context, channel string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	token := m.client.Publish(Topic(m.prefix, channel), 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects after giving in-flight messages a moment to drain.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
