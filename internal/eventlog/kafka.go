package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const targetHeader = "target"

// Kafka writes every entry to one topic keyed by target. Each subscribing
// warehouse reads through its own consumer group and skips foreign keys.
type Kafka struct {
	Brokers     []string
	Topic       string
	GroupPrefix string
	Logger      zerolog.Logger
	writer      *kafka.Writer
}

func NewKafka(brokers []string, topic, groupPrefix string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		Brokers:     brokers,
		Topic:       topic,
		GroupPrefix: groupPrefix,
		Logger:      logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *Kafka) Append(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(e.Target()),
		Value:   data,
		Headers: []kafka.Header{{Key: targetHeader, Value: []byte(e.Target())}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.Topic, err)
	}
	return nil
}

func messageTarget(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == targetHeader {
			return string(h.Value)
		}
	}
	return string(m.Key)
}

func (k *Kafka) Subscribe(ctx context.Context, target string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.Brokers,
		GroupID:     k.GroupPrefix + "-" + target,
		Topic:       k.Topic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     time.Second,
	})
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if messageTarget(m) == target {
			e, err := Decode(m.Value)
			if err != nil {
				k.Logger.Error().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("skipping malformed log entry")
			} else {
				e.Seq = m.Offset
				if err := deliver(ctx, h, e, time.Second); err != nil {
					return nil
				}
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.Logger.Warn().Err(err).Int64("offset", m.Offset).Msg("kafka commit failed")
		}
	}
}

func (k *Kafka) Close() error { return k.writer.Close() }
