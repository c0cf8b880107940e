package hookmta

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. Listeners and the
// queue stop accepting new work and finish what they are doing.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by all operations. It is canceled when the
// graceful shutdown period is over, aborting active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
