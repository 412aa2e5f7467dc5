package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"live-classroom/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Event("room:join", "ok")
		m.RoomOpened()
		m.AuditFailed()
	})
}

func TestMetrics_CollectsCounters(t *testing.T) {
	m := metrics.New()
	m.Join("ok")
	m.Join("ok")
	m.Join("full")
	m.Billing("debit", "insufficient")

	n, err := testutil.GatherAndCount(m.Registry(), "live_classroom_room_joins_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n, "两个 result 标签各一条序列")
}
