package admin

import (
	"context"

	"github.com/c360/cotrelay/health"
	"github.com/c360/cotrelay/natsclient"
	"github.com/c360/cotrelay/presence"
)

// StoreChecker reports the presence backend unhealthy when Ping fails.
func StoreChecker(store presence.Store) health.Checker {
	return health.CheckFunc{
		Component: "presence",
		Fn: func(ctx context.Context) health.Status {
			return health.FromError("presence", store.Ping(ctx))
		},
	}
}

// NATSChecker reports the mirror connection. A lost connection only
// degrades the relay since routing does not depend on it.
func NATSChecker(c *natsclient.Client) health.Checker {
	return health.CheckFunc{
		Component: "nats",
		Fn: func(context.Context) health.Status {
			st := c.Status()
			switch st {
			case natsclient.StatusConnected:
				return health.NewHealthy("nats", st.String())
			default:
				return health.NewDegraded("nats", st.String())
			}
		},
	}
}
