// Package broadcast defines the change feed that announces task mutations
// to in-process subscribers such as the status notifier.
package broadcast

import "context"

// Feed delivers the id of every task whose stored state changed.
// Delivery is at-least-once and may coalesce; receivers re-read the task.
// An empty id means changes may have been missed (for example after a
// reconnect) and every watched task should be re-read.
type Feed interface {
	// Listen calls fn for each change until ctx is done or the feed fails.
	Listen(ctx context.Context, fn func(taskID string)) error
}
