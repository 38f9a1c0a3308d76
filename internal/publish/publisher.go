// Package publish provides optional Kafka egress of committed records, on
// separate topics for screen records and text segments. Disabled publishers
// run in log-only mode; egress failures never reach the capture hot path.
package publish

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/retracehq/retrace/internal/store"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled     bool
	Brokers     []string
	TopicScreen string
	TopicText   string
}

// Publisher mirrors committed records to Kafka.
type Publisher struct {
	writerScreen *kafka.Writer
	writerText   *kafka.Writer
	topicScreen  string
	topicText    string
	enabled      bool
}

// New creates a publisher. With Enabled false or no brokers it runs in
// log-only mode.
func New(cfg Config) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka egress disabled, using log-only mode")
		return &Publisher{
			topicScreen: cfg.TopicScreen,
			topicText:   cfg.TopicText,
		}
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicScreen", cfg.TopicScreen).
		Str("topicText", cfg.TopicText).
		Msg("Kafka egress publisher initialized")

	return &Publisher{
		writerScreen: newWriter(cfg.TopicScreen),
		writerText:   newWriter(cfg.TopicText),
		topicScreen:  cfg.TopicScreen,
		topicText:    cfg.TopicText,
		enabled:      true,
	}
}

// Publish mirrors one committed record. Errors are logged, never returned to
// the capture path.
func (p *Publisher) Publish(ctx context.Context, rec store.CommittedRecord) {
	var (
		writer *kafka.Writer
		topic  string
		key    string
		event  any
	)
	switch rec.Log {
	case store.LogScreen:
		writer, topic = p.writerScreen, p.topicScreen
		key, event = rec.Screen.ID, rec.Screen
	case store.LogText:
		writer, topic = p.writerText, p.topicText
		key, event = rec.Text.ID, rec.Text
	default:
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal egress event")
		return
	}

	if !p.enabled || writer == nil {
		log.Debug().Str("topic", topic).Str("key", key).RawJSON("payload", payload).Msg("Egress event (log-only)")
		return
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "log", Value: []byte(rec.Log)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Failed to publish to Kafka")
	}
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerScreen != nil {
		if e := p.writerScreen.Close(); e != nil {
			err = e
		}
	}
	if p.writerText != nil {
		if e := p.writerText.Close(); e != nil {
			err = e
		}
	}
	return err
}
