package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCycle(t *testing.T) {
	before := testutil.ToFloat64(Cycles.WithLabelValues("rule", "held"))
	RecordCycle("rule", "held", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(Cycles.WithLabelValues("rule", "held")))
}

func TestRecordEngineCall(t *testing.T) {
	inBefore := testutil.ToFloat64(EngineTokens.WithLabelValues("gpt-test", "input"))
	costBefore := testutil.ToFloat64(EngineCost.WithLabelValues("gpt-test"))

	RecordEngineCall("llm", "gpt-test", "decision", "success", time.Second, 120, 30, 0.5)

	assert.Equal(t, inBefore+120, testutil.ToFloat64(EngineTokens.WithLabelValues("gpt-test", "input")))
	assert.Equal(t, costBefore+0.5, testutil.ToFloat64(EngineCost.WithLabelValues("gpt-test")))
}

func TestRecordNotification(t *testing.T) {
	failedBefore := testutil.ToFloat64(Notifications.WithLabelValues("trade_opened", "failed"))
	RecordNotification("trade_opened", errors.New("broker down"))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(Notifications.WithLabelValues("trade_opened", "failed")))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
