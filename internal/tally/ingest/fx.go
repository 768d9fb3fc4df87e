package ingest

import "go.uber.org/fx"

var Module = fx.Module("tally.ingest",
	fx.Provide(NewService),
)
