package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSink forwards command transitions and execution updates to a Kafka
// topic, keyed by command or execution id so one record's events stay on
// one partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 3 * time.Second, logger: logger}
}

// Attach subscribes the sink to bus. The returned function detaches it.
func (k *KafkaSink) Attach(bus *Bus) func() {
	return bus.Subscribe(func(e Event) {
		if err := k.Publish(context.Background(), e); err != nil {
			k.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("kafka publish failed")
		}
	}, EventCommandTransition, EventExecutionUpdate)
}

// Publish writes e as a JSON message.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	return k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(eventKey(e)),
		Value: b,
		Time:  e.Timestamp,
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

func eventKey(e Event) string {
	for _, field := range []string{"command_id", "execution_id", "id"} {
		if s, ok := e.Data[field].(string); ok && s != "" {
			return s
		}
	}
	return string(e.Type)
}
