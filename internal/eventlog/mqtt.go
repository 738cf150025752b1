package eventlog

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttTimeout = 10 * time.Second
	inboxSize   = 1024
)

// MQTT publishes to one topic per target at QoS 1 on a persistent session, so
// a node that reconnects receives what it missed while offline.
type MQTT struct {
	client mqtt.Client
	prefix string
	logger zerolog.Logger
}

func NewMQTT(broker, clientID, prefix string, logger zerolog.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
		})
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &MQTT{client: client, prefix: prefix, logger: logger}, nil
}

func (m *MQTT) topic(target string) string {
	return m.prefix + "/" + target
}

func (m *MQTT) Append(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.topic(e.Target()), 1, false, data)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("mqtt publish %s: timeout", m.topic(e.Target()))
	}
	return tok.Error()
}

func (m *MQTT) Subscribe(ctx context.Context, target string, h Handler) error {
	topic := m.topic(target)
	in := startInbox(ctx, h, inboxSize, time.Second)
	// the callback only queues, so a failing handler never holds paho's router
	tok := m.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		e, err := Decode(msg.Payload())
		if err != nil {
			m.logger.Error().Err(err).Str("topic", topic).Uint16("message_id", msg.MessageID()).Msg("skipping malformed log entry")
			return
		}
		in.push(ctx, e)
	})
	if !tok.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	<-ctx.Done()
	m.client.Unsubscribe(topic).WaitTimeout(time.Second)
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

// inbox delivers one target's entries in arrival order on its own goroutine.
type inbox struct {
	entries chan Entry
}

func startInbox(ctx context.Context, h Handler, size int, backoff time.Duration) *inbox {
	in := &inbox{entries: make(chan Entry, size)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-in.entries:
				if err := deliver(ctx, h, e, backoff); err != nil {
					return
				}
			}
		}
	}()
	return in
}

// push queues e, waiting while the inbox is full. It reports false once ctx ends.
func (in *inbox) push(ctx context.Context, e Entry) bool {
	select {
	case in.entries <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
