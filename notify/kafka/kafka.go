// Package kafka publishes every snapshot as a JSON notify.Event to a Kafka
// topic, keyed by generation.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
)

const DefaultTopic = "deductions_updated"

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string        // "" => DefaultTopic
	BatchTimeout time.Duration // 0 => 50ms
}

type Notifier struct {
	w writer
}

var _ syncache.Notifier = (*Notifier)(nil)

func New(cfg Config) *Notifier {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	bt := cfg.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}
	return &Notifier{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: bt,
	}}
}

func (n *Notifier) Notify(ctx context.Context, s syncache.Snapshot) error {
	ev := notify.NewEvent(s)
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(s.Gen, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(ev.ID)},
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
}

func (n *Notifier) Close() error { return n.w.Close() }
