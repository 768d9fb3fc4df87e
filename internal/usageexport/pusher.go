package usageexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/tally/internal/config"
	obstracing "github.com/smallbiznis/tally/internal/observability/tracing"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"
	ExporterOTLP        = "otlp"

	defaultPushTimeout = 5 * time.Second
)

// Pusher sends the gathered usage metrics to an external backend.
type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

// NewPusher builds the configured pusher. Misconfiguration disables export
// with a warning and returns nil.
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	exportCfg := cfg.UsageExport
	if !exportCfg.Enabled {
		return nil
	}

	endpoint := strings.TrimSpace(exportCfg.Endpoint)
	if endpoint == "" {
		log.Warn("usage export disabled", zap.Error(errors.New("usage export endpoint is required")))
		return nil
	}

	switch exportCfg.Exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			log.Warn("usage export disabled", zap.Error(fmt.Errorf("invalid usage export endpoint: %w", err)))
			return nil
		}
		return NewRemoteWritePusher(endpoint, exportCfg.AuthToken)
	case ExporterPushgateway:
		return NewPushgatewayPusher(endpoint, exportCfg.JobName, map[string]string{
			"environment": strings.TrimSpace(cfg.Environment),
		})
	case ExporterOTLP:
		p, err := NewOTLPPusher(endpoint, exportCfg.AuthToken, cfg.AppName, cfg.AppVersion, cfg.Environment)
		if err != nil {
			log.Warn("usage export disabled", zap.Error(err))
			return nil
		}
		return p
	default:
		log.Warn("usage export disabled", zap.String("exporter", exportCfg.Exporter))
		return nil
	}
}

// RemoteWritePusher sends snappy compressed prompb write requests.
type RemoteWritePusher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(authToken),
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
		now:        time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the job's group on a Prometheus Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint: endpoint,
		job:      strings.TrimSpace(job),
		grouping: grouping,
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for key, value := range p.grouping {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}

// OTLPPusher exports gathered families to an OTLP metrics collector over grpc.
type OTLPPusher struct {
	address   string
	secure    bool
	authToken string
	resource  *resourcepb.Resource

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewOTLPPusher(endpoint, authToken, serviceName, serviceVersion, environment string) (*OTLPPusher, error) {
	address, secure, err := parseOTLPEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &OTLPPusher{
		address:   address,
		secure:    secure,
		authToken: strings.TrimSpace(authToken),
		resource:  buildResource(serviceName, serviceVersion, environment),
	}, nil
}

func (p *OTLPPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	metrics := buildOTLPMetrics(families, uint64(time.Now().UnixNano()))
	if len(metrics) == 0 {
		return nil
	}

	conn, err := p.connection()
	if err != nil {
		return err
	}
	if p.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+p.authToken)
	}

	_, err = collectormetricspb.NewMetricsServiceClient(conn).Export(ctx, &collectormetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: p.resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: "tally.usageexport"},
				Metrics: metrics,
			}},
		}},
	})
	return err
}

func (p *OTLPPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *OTLPPusher) connection() (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	creds := insecure.NewCredentials()
	if p.secure {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}
	conn, err := grpc.NewClient(p.address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func parseOTLPEndpoint(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, errors.New("usage export endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid usage export endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, errors.New("usage export endpoint host is required")
	}
	secure := parsed.Scheme == "https" || parsed.Scheme == "grpcs"
	return parsed.Host, secure, nil
}

func buildResource(serviceName, serviceVersion, environment string) *resourcepb.Resource {
	pairs := [][2]string{
		{"service.name", serviceName},
		{"service.version", serviceVersion},
		{"deployment.environment", environment},
	}
	attrs := make([]*commonpb.KeyValue, 0, len(pairs))
	for _, kv := range pairs {
		if strings.TrimSpace(kv[1]) != "" {
			attrs = append(attrs, stringAttr(kv[0], kv[1]))
		}
	}
	return &resourcepb.Resource{Attributes: attrs}
}
