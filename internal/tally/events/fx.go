package events

import (
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/fx"
)

var Module = fx.Module("tally.events",
	fx.Provide(NewPublisher),
	fx.Provide(
		fx.Annotate(
			func(p *Publisher) roller.Listener { return p },
			fx.ResultTags(`group:"tally_listeners"`),
		),
	),
)
