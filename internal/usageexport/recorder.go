// Package usageexport exposes open bucket totals as prometheus gauges and
// pushes them to an external metrics backend.
package usageexport

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/roller"
)

var gaugeLabels = []string{"scope", "product_id", "granularity"}

// Registry holds the usage export collectors apart from process metrics.
type Registry struct {
	*prometheus.Registry
}

func NewRegistry() *Registry {
	return &Registry{Registry: prometheus.NewRegistry()}
}

// Recorder mirrors the TOTAL of every open bucket. A bucket that rolls over
// replaces the previous series of its scope, product and granularity.
type Recorder struct {
	cores     *prometheus.GaugeVec
	sockets   *prometheus.GaugeVec
	instances *prometheus.GaugeVec
}

func NewRecorder(registry *Registry) *Recorder {
	r := &Recorder{
		cores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_open_bucket_cores",
			Help: "Cores counted in the open bucket.",
		}, gaugeLabels),
		sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_open_bucket_sockets",
			Help: "Sockets counted in the open bucket.",
		}, gaugeLabels),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_open_bucket_instances",
			Help: "Instances counted in the open bucket.",
		}, gaugeLabels),
	}
	registry.MustRegister(r.cores, r.sockets, r.instances)
	return r
}

func (r *Recorder) SnapshotChanged(_ context.Context, result roller.Result) {
	if r == nil || !result.Open {
		return
	}
	labels := prometheus.Labels{
		"scope":       normalizeLabel(result.Key.ScopeKey),
		"product_id":  normalizeLabel(result.Key.ProductID),
		"granularity": string(result.Key.Granularity),
	}

	if result.Outcome == roller.OutcomeDeleted {
		r.cores.Delete(labels)
		r.sockets.Delete(labels)
		r.instances.Delete(labels)
		return
	}

	total, ok := result.Measurements.Get(domain.MeasurementTypeTotal)
	if !ok {
		return
	}
	r.cores.With(labels).Set(float64(total.Cores))
	r.sockets.With(labels).Set(float64(total.Sockets))
	r.instances.With(labels).Set(float64(total.Instances))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
