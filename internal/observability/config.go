package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/tally/internal/config"
)

const (
	protocolGRPC = "grpc"
	protocolHTTP = "http"
)

// Config holds the logging and OTel settings of a tally process. Traces and
// roll metrics share one collector endpoint but can be toggled and routed
// over different OTLP protocols.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelExporterEndpoint string
	OtelSamplingRatio    float64

	TracesEnabled  bool
	TracesProtocol string

	MetricsEnabled  bool
	MetricsProtocol string
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "tally"
	}

	otelEnabled := getenvBool("OTEL_ENABLED", true)
	protocol := normalizeProtocol(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", protocolGRPC))

	return Config{
		ServiceName:          serviceName,
		Environment:          getenv("DEPLOYMENT_ENV", strings.TrimSpace(cfg.Environment)),
		Version:              getenv("SERVICE_VERSION", strings.TrimSpace(cfg.AppVersion)),
		LogLevel:             strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelExporterEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimSpace(cfg.OTLPEndpoint)),
		OtelSamplingRatio:    clampRatio(getenvFloat("OTEL_SAMPLING_RATIO", 0.1)),
		TracesEnabled:        otelEnabled && getenvBool("OTEL_TRACES_ENABLED", true),
		TracesProtocol:       normalizeProtocol(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)),
		MetricsEnabled:       otelEnabled && getenvBool("TALLY_ROLL_METRICS_ENABLED", true),
		MetricsProtocol:      normalizeProtocol(getenv("OTEL_EXPORTER_OTLP_METRICS_PROTOCOL", protocol)),
	}
}

func (c Config) Debug() bool {
	if strings.ToLower(strings.TrimSpace(c.LogLevel)) == "debug" {
		return true
	}
	return isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// normalizeProtocol maps the OTLP protocol names to the two exporters the
// providers build. Unknown values fall back to grpc.
func normalizeProtocol(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "http", "http/protobuf", "http/json":
		return protocolHTTP
	default:
		return protocolGRPC
	}
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
