// Package mqttbridge turns MQTT messages into addressed input events. The
// core is transport-agnostic; this is one concrete ingress for deployments
// where the input hardware publishes to a broker.
//
// Topic layout: <prefix>/<address>/<kind>, payload: the value for kinds that
// carry one (update: channel value, button_clicked/button_long_press:
// duration in seconds), the error text for error events, empty otherwise.
package mqttbridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
)

// EventSink receives decoded events, typically the engine.
type EventSink interface {
	EnqueueEvent(ev alloy.AddressedEvent)
}

// Options configures the bridge.
type Options struct {
	BrokerURL   string
	TopicPrefix string
	ClientID    string
	Logger      *zap.Logger
}

// Bridge is a connected MQTT ingress.
type Bridge struct {
	client mqtt.Client
	prefix string
	sink   EventSink
	logger *zap.Logger
}

// Connect connects to the broker and subscribes to the event topics.
func Connect(opts Options, sink EventSink) (*Bridge, error) {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "kaleidoscope/input"
	}
	if opts.ClientID == "" {
		opts.ClientID = "kaleidoscope"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	b := &Bridge{
		prefix: strings.TrimSuffix(opts.TopicPrefix, "/"),
		sink:   sink,
		logger: opts.Logger.Named("mqtt"),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			topic := b.prefix + "/+/+"
			if token := c.Subscribe(topic, 0, b.handleMessage); token.Wait() && token.Error() != nil {
				b.logger.Error("unable to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("connection lost", zap.Error(err))
		})

	b.client = mqtt.NewClient(clientOpts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("unable to connect to broker: %w", token.Error())
	}
	return b, nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	ev, err := b.decode(msg.Topic(), msg.Payload())
	if err != nil {
		b.logger.Warn("dropping malformed message",
			zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	b.sink.EnqueueEvent(ev)
}

func (b *Bridge) decode(topic string, payload []byte) (alloy.AddressedEvent, error) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return alloy.AddressedEvent{}, fmt.Errorf("unexpected topic shape: %q", topic)
	}

	addr, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return alloy.AddressedEvent{}, fmt.Errorf("invalid address %q: %w", parts[0], err)
	}
	kind, err := alloy.ParseEventKind(parts[1])
	if err != nil {
		return alloy.AddressedEvent{}, err
	}

	e := alloy.Event{Kind: kind}
	switch {
	case kind == alloy.EventKindError:
		e.Err = string(payload)
	case kind.HasValue():
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return alloy.AddressedEvent{}, fmt.Errorf("invalid payload for %s: %w", kind, err)
		}
		e.Value = v
	}

	return alloy.NewAddressedEvent(alloy.Address(addr), e), nil
}
