package telemetry

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder

	// None of these may panic on the nil recorder.
	r.IncPropagation("copy", "success")
	r.IncPrepareRetry()
	r.IncRetryExhausted()
	r.IncTransition("idle", "starting")
	r.ObservePropagation(time.Millisecond)
	r.SetConnectedClients(3)
	assert.Nil(t, r.Registry())
}

func TestRecorderRegistersAndCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)

	r.IncPropagation("copy", "success")
	r.IncPropagation("prepare", "failure")
	r.IncTransition("idle", "starting")
	r.SetConnectedClients(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["simulate_propagations_total"])
	assert.True(t, names["simulate_lifecycle_transitions_total"])
	assert.True(t, names["simulate_connected_clients"])
}

func TestNewRecorderAllocatesRegistryWhenNil(t *testing.T) {
	r := NewRecorder(nil)
	assert.NotNil(t, r.Registry())
}
