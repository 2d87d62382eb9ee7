package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncCrypto("sign", true)
	m.IncCrypto("decrypt", false)
	m.ObserveTransport("queue", "fetch", time.Now(), true)
	m.IncAuditAppend("MESSAGE_SENT", true)
	m.IncSent()
	m.AddReceived(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CryptoOperations.WithLabelValues("sign", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CryptoOperations.WithLabelValues("decrypt", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportOperations.WithLabelValues("queue", "fetch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncCrypto("sign", true)
	m.ObserveTransport("pop3", "fetch", time.Now(), false)
	m.IncAuditAppend("MESSAGE_SENT", false)
	m.IncSent()
	m.AddReceived(1)
}

func TestNew_UnregisteredTwice(t *testing.T) {
	// nil registerer must not panic on duplicate names
	New(nil)
	New(nil)
}
