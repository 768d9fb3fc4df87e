package report

import (
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/fx"
)

var Module = fx.Module("tally.report",
	fx.Provide(ProvideCache),
	fx.Provide(NewService),
	fx.Provide(
		fx.Annotate(
			NewInvalidator,
			fx.As(new(roller.Listener)),
			fx.ResultTags(`group:"tally_listeners"`),
		),
	),
)
