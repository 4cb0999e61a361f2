package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed("kicked")
	m.Handshake("accepted")
	m.PacketIn("input.message")
	m.PacketError(4003)
	m.ResourceOp("prepare", errors.New("x"))
	m.Swept("temp", 1, 2, time.Second)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("transport")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("transport")))

	m.ResourceOp("commit", nil)
	m.ResourceOp("commit", errors.New("size mismatch"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resourceOps.WithLabelValues("commit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resourceOps.WithLabelValues("commit", "error")))

	m.Transfer("upload", 0)
	m.Transfer("upload", 512)
	assert.Equal(t, 512.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("upload")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.PacketIn("sys.ping")
	m.StoreUsage("resources", 3, 1024)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `l2dbridge_packets_total{direction="in",op="sys.ping"} 1`))
	assert.True(t, strings.Contains(body, `l2dbridge_store_bytes{store="resources"} 1024`))
}
