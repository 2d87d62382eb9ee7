package router

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/metrics"
	"github.com/hipaadirect/direct-go/internal/transport"
	"github.com/hipaadirect/direct-go/internal/transport/imap"
	"github.com/hipaadirect/direct-go/internal/transport/mocks"
	"github.com/hipaadirect/direct-go/internal/transport/pop3"
	"github.com/hipaadirect/direct-go/internal/transport/queue"
)

type RouterSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	backend *mocks.MockBackend
	metrics *metrics.Metrics
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.backend = mocks.NewMockBackend(s.ctrl)
	s.backend.EXPECT().Kind().Return(transport.KindPOP3).AnyTimes()
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *RouterSuite) router(caps transport.Capability) *Router {
	s.backend.EXPECT().Capabilities().Return(caps).Times(1)
	return NewWithBackend(s.backend, zerolog.Nop(), s.metrics)
}

func (s *RouterSuite) TestNew() {
	s.Run("selects each kind", func() {
		for _, kind := range []transport.Kind{transport.KindPOP3, transport.KindIMAP, transport.KindQueue} {
			r, err := New(kind, Options{
				POP3:  s.pop3Config(),
				IMAP:  s.imapConfig(),
				Queue: s.queueConfig(),
			})
			s.Require().NoError(err)
			s.Equal(kind, r.Kind())
		}
	})

	s.Run("smtp adds send to mail backends", func() {
		opts := Options{POP3: s.pop3Config(), IMAP: s.imapConfig(), Queue: s.queueConfig()}
		opts.SMTP.Host = "smtp.hisp.test"
		r, err := New(transport.KindPOP3, opts)
		s.Require().NoError(err)
		s.True(r.Capabilities().Has(transport.CapSend))

		r, err = New(transport.KindIMAP, Options{IMAP: s.imapConfig()})
		s.Require().NoError(err)
		s.False(r.Capabilities().Has(transport.CapSend))
	})

	s.Run("unknown kind", func() {
		_, err := New("carrier-pigeon", Options{})
		s.Error(err)
	})

	s.Run("missing variant config", func() {
		_, err := New(transport.KindQueue, Options{})
		s.Error(err)
	})
}

func (s *RouterSuite) TestUnsupportedFromCapabilities() {
	r := s.router(transport.CapReceive | transport.CapAcknowledge)

	_, err := r.Send(context.Background(), transport.Outbound{})
	s.ErrorIs(err, derrors.ErrUnsupported)

	var unsupported *derrors.UnsupportedOperationError
	s.Require().ErrorAs(err, &unsupported)
	s.Equal("send", unsupported.Op)
}

type trackingBackend struct {
	*mocks.MockBackend
	status func(context.Context, string) (*transport.DeliveryReceipt, error)
}

func (b trackingBackend) DeliveryStatus(ctx context.Context, id string) (*transport.DeliveryReceipt, error) {
	return b.status(ctx, id)
}

func (s *RouterSuite) TestDeliveryStatus() {
	ctx := context.Background()

	s.Run("needs the capability", func() {
		r := s.router(transport.CapSend)
		_, err := r.DeliveryStatus(ctx, "r1")
		s.ErrorIs(err, derrors.ErrUnsupported)
	})

	s.Run("capability without tracker", func() {
		r := s.router(transport.CapSend | transport.CapStatus)
		_, err := r.DeliveryStatus(ctx, "r1")
		s.ErrorIs(err, derrors.ErrUnsupported)
	})

	s.Run("dispatches to tracker", func() {
		s.backend.EXPECT().Capabilities().Return(transport.CapSend | transport.CapStatus).Times(1)
		b := trackingBackend{MockBackend: s.backend, status: func(_ context.Context, id string) (*transport.DeliveryReceipt, error) {
			return &transport.DeliveryReceipt{ID: id, Status: "delivered"}, nil
		}}
		r := NewWithBackend(b, zerolog.Nop(), s.metrics)
		got, err := r.DeliveryStatus(ctx, "r1")
		s.Require().NoError(err)
		s.Equal("delivered", got.Status)

		ops := s.metrics.TransportOperations
		s.Equal(1.0, testutil.ToFloat64(ops.WithLabelValues("pop3", "delivery_status", "success")))
	})
}

func (s *RouterSuite) TestReceiveOnlyCapabilityBlocksAcknowledge() {
	r := s.router(transport.CapReceive)
	s.ErrorIs(r.Acknowledge(context.Background(), "1", transport.AckDefault), derrors.ErrUnsupported)
}

func (s *RouterSuite) TestDispatchRecordsMetrics() {
	ctx := context.Background()
	r := s.router(transport.CapReceive | transport.CapAcknowledge | transport.CapSend)

	envs := []transport.Envelope{{ID: "a", Seq: 1}, {ID: "b", Seq: 2}}
	gomock.InOrder(
		s.backend.EXPECT().CheckCount(ctx).Return(2, nil),
		s.backend.EXPECT().Fetch(ctx, transport.FetchOptions{Limit: 2}).Return(envs, nil),
		s.backend.EXPECT().Acknowledge(ctx, "a", transport.AckDefault).Return(nil),
		s.backend.EXPECT().Acknowledge(ctx, "a", transport.AckDefault).Return(transport.NotFound(transport.KindPOP3, "a")),
	)

	n, err := r.CheckCount(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	got, err := r.Fetch(ctx, transport.FetchOptions{Limit: 2})
	s.Require().NoError(err)
	s.Equal(envs, got)

	s.NoError(r.Acknowledge(ctx, "a", transport.AckDefault))
	s.ErrorIs(r.Acknowledge(ctx, "a", transport.AckDefault), derrors.ErrNotFound)

	ops := s.metrics.TransportOperations
	s.Equal(1.0, testutil.ToFloat64(ops.WithLabelValues("pop3", "fetch", "success")))
	s.Equal(1.0, testutil.ToFloat64(ops.WithLabelValues("pop3", "acknowledge", "success")))
	s.Equal(1.0, testutil.ToFloat64(ops.WithLabelValues("pop3", "acknowledge", "failure")))
}

func (s *RouterSuite) TestPingPassesThrough() {
	ctx := context.Background()
	r := s.router(0)
	boom := errors.New("boom")
	s.backend.EXPECT().Ping(ctx).Return(boom)
	s.ErrorIs(r.Ping(ctx), boom)
}

func (s *RouterSuite) pop3Config() (c pop3.Config) {
	c.Host = "pop.hisp.test"
	return c
}

func (s *RouterSuite) imapConfig() (c imap.Config) {
	c.Host = "imap.hisp.test"
	return c
}

func (s *RouterSuite) queueConfig() (c queue.Config) {
	c.BaseURL = "https://queue.hisp.test"
	return c
}
