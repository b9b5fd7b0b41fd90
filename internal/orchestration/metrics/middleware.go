package metrics

import (
	"context"
	"time"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
)

// NewMiddleware records the count and duration of every command.
func NewMiddleware(m *Metrics) processor.Middleware {
	return func(next processor.CommandHandler) processor.CommandHandler {
		return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			success := err == nil && result != nil && result.Success
			m.CommandProcessed(cmd.Type().String(), success, time.Since(start))
			return result, err
		})
	}
}
