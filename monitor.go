package direct

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MonitorHandler processes an envelope received by one of the monitored
// clients. Returning nil acknowledges it on that client.
type MonitorHandler func(ctx context.Context, c *Client, r *Received) error

// Monitor watches several Direct addresses at once, typically one Client
// per address hosted by the same organization.
type Monitor struct {
	clients []*Client
	opts    []WatchOption
}

// NewMonitor returns a monitor over clients. The watch options apply to
// every client.
func NewMonitor(clients []*Client, opts ...WatchOption) *Monitor {
	return &Monitor{clients: clients, opts: opts}
}

// Run watches every client until ctx is done or one watch fails with an
// error that is not retryable. The failing watch cancels the others and
// its error is returned, annotated with the client's address.
func (m *Monitor) Run(ctx context.Context, h MonitorHandler) error {
	if len(m.clients) == 0 {
		return errors.New("direct: monitor has no clients")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.clients {
		g.Go(func() error {
			err := c.Watch(gctx, func(ctx context.Context, r *Received) error {
				return h(ctx, c, r)
			}, m.opts...)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", c.Address(), err)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
