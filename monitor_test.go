package direct

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipaadirect/direct-go/internal/transport/queuetest"
)

func TestMonitor_DeliversPerClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	b, _ := f.client(t, bob)

	// alice watches her own, empty, queue.
	other := queuetest.New("hisp", "s3cret")
	ts := other.Start()
	t.Cleanup(ts.Close)
	cfg := f.config(alice)
	cfg.Queue.BaseURL = ts.URL
	aw, _ := f.clientWith(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.Send(ctx, referral())
	require.NoError(t, err)
	msgID := f.srv.Outbox()[0].MessageID
	f.deliver()

	go func() {
		for f.srv.Pending() > 0 && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	var (
		mu  sync.Mutex
		got = map[string][]string{}
	)
	m := NewMonitor([]*Client{b, aw}, WithPollInterval(5*time.Millisecond, 20*time.Millisecond))
	err = m.Run(ctx, func(_ context.Context, c *Client, r *Received) error {
		mu.Lock()
		defer mu.Unlock()
		got[c.Address()] = append(got[c.Address()], r.Message.MessageID)
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, map[string][]string{bob: {msgID}}, got)
	assert.Equal(t, 0, f.srv.Pending())
}

func TestMonitor_StopsOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	b, sink := f.client(t, bob)
	sink.SetFailure(errors.New("disk full"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewMonitor([]*Client{a, b}, WithPollInterval(time.Millisecond, time.Millisecond))
	err := m.Run(ctx, func(context.Context, *Client, *Received) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuditWrite)
	assert.Contains(t, err.Error(), bob)
	assert.NoError(t, ctx.Err())
}

func TestMonitor_NoClients(t *testing.T) {
	t.Parallel()
	err := NewMonitor(nil).Run(context.Background(), nil)
	assert.Error(t, err)
}
