package tally

import (
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/tally/events"
	"github.com/smallbiznis/tally/internal/tally/ingest"
	"github.com/smallbiznis/tally/internal/tally/report"
	"github.com/smallbiznis/tally/internal/tally/repository"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/fx"
)

// Module wires the snapshot store, the roller service and its listeners.
var Module = fx.Module("tally",
	fx.Provide(
		repository.ProvideSnapshot,
		repository.ProvideUsageSource,
		func(m *obsmetrics.Metrics) roller.Recorder { return m },
		roller.NewService,
	),
	report.Module,
	events.Module,
	ingest.Module,
)
