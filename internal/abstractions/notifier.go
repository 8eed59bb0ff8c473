package abstractions

import (
	"context"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

// Notifier publishes iteration events to live subscribers. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event api.Event)
}
