package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordGeneration(t *testing.T) {
	before := testutil.ToFloat64(GenerationsTotal.WithLabelValues("tool", "completed"))
	RecordGeneration("tool", "completed", 0.2)
	assert.Equal(t, before+1, testutil.ToFloat64(GenerationsTotal.WithLabelValues("tool", "completed")))
}

func TestRecordLLMStream(t *testing.T) {
	in := testutil.ToFloat64(LLMTokensTotal.WithLabelValues("m", "in"))
	out := testutil.ToFloat64(LLMTokensTotal.WithLabelValues("m", "out"))
	RecordLLMStream("m", "success", 1.5, 10, 4)
	assert.Equal(t, in+10, testutil.ToFloat64(LLMTokensTotal.WithLabelValues("m", "in")))
	assert.Equal(t, out+4, testutil.ToFloat64(LLMTokensTotal.WithLabelValues("m", "out")))
}

func TestSSEConnections(t *testing.T) {
	before := testutil.ToFloat64(SSEConnectionsActive)
	IncrementSSEConnections()
	assert.Equal(t, before+1, testutil.ToFloat64(SSEConnectionsActive))
	DecrementSSEConnections()
	assert.Equal(t, before, testutil.ToFloat64(SSEConnectionsActive))
}
