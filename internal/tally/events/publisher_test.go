package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func sampleResult() roller.Result {
	return roller.Result{
		Key: domain.BucketKey{
			ScopeKey:     "acct-1",
			ProductID:    "RHEL",
			Granularity:  domain.GranularityDaily,
			SnapshotDate: time.Date(2019, 5, 24, 0, 0, 0, 0, time.UTC),
		},
		Outcome: roller.OutcomeCreated,
		Open:    true,
		Measurements: domain.Measurements{
			domain.MeasurementTypeTotal:    {Cores: 6, Sockets: 4, Instances: 2},
			domain.MeasurementTypePhysical: {Cores: 6, Sockets: 4, Instances: 2},
		},
		RolledAt: time.Date(2019, 5, 24, 12, 35, 0, 0, time.UTC),
	}
}

func TestPublisherWritesSummary(t *testing.T) {
	writer := &fakeWriter{}
	p := newPublisher(zap.NewNop(), writer)

	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-1")
	p.SnapshotChanged(ctx, sampleResult())

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "acct-1/RHEL", string(msg.Key))

	var got TallySummary
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, SchemaVersion, got.Schema)
	assert.Equal(t, domain.GranularityDaily, got.Granularity)
	assert.Equal(t, roller.OutcomeCreated, got.Outcome)
	assert.True(t, got.Open)
	assert.Equal(t, domain.Totals{Cores: 6, Sockets: 4, Instances: 2}, got.Measurements[domain.MeasurementTypeTotal])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "corr-1", headers["correlation_id"])
	assert.Equal(t, SchemaVersion, headers["schema"])
}

func TestSummaryOfDeletedBucketHasEmptyMeasurements(t *testing.T) {
	result := sampleResult()
	result.Outcome = roller.OutcomeDeleted
	result.Measurements = nil

	summary := SummaryFromResult(result)
	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"measurements":{}`)
}

func TestPublisherLogsWriteFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	writer := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(zap.New(core), writer)

	p.SnapshotChanged(context.Background(), sampleResult())

	require.Equal(t, 1, logs.FilterMessage("publish tally summary failed").Len())
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	p, err := NewPublisher(nil, config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	p.SnapshotChanged(context.Background(), sampleResult())
	assert.NoError(t, p.Publish(context.Background(), SummaryFromResult(sampleResult())))
}

func TestEnabledPublisherRequiresBrokers(t *testing.T) {
	_, err := NewPublisher(nil, config.Config{Kafka: config.KafkaConfig{Enabled: true, Topic: "t"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewPublisher(nil, config.Config{Kafka: config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}}}, zap.NewNop())
	assert.Error(t, err)
}
