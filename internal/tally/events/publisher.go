package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes a TallySummary per changed bucket. A disabled publisher
// drops summaries.
type Publisher struct {
	log          *zap.Logger
	writer       messageWriter
	writeTimeout time.Duration
}

func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Publisher, error) {
	log = log.Named("tally.events")
	if !cfg.Kafka.Enabled {
		log.Info("tally summary publisher disabled")
		return &Publisher{log: log}, nil
	}
	if strings.TrimSpace(cfg.Kafka.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
		Topic:                  cfg.Kafka.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	p := newPublisher(log, writer)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return writer.Close()
			},
		})
	}
	log.Info("tally summary publisher enabled",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return p, nil
}

func newPublisher(log *zap.Logger, writer messageWriter) *Publisher {
	return &Publisher{log: log, writer: writer, writeTimeout: defaultWriteTimeout}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.writer != nil
}

// SnapshotChanged publishes the summary of result. Publish failures are
// logged; the snapshot is already committed.
func (p *Publisher) SnapshotChanged(ctx context.Context, result roller.Result) {
	if !p.Enabled() {
		return
	}
	if err := p.Publish(ctx, SummaryFromResult(result)); err != nil {
		p.log.Warn("publish tally summary failed",
			zap.String("bucket", result.Key.String()),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err),
		)
	}
}

func (p *Publisher) Publish(ctx context.Context, summary TallySummary) error {
	if !p.Enabled() {
		return nil
	}
	value, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	headers := []kafka.Header{{Key: "schema", Value: []byte(summary.Schema)}}
	for k, v := range correlation.Headers(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:     summary.MessageKey(),
		Value:   value,
		Headers: headers,
		Time:    summary.RolledAt,
	})
}
