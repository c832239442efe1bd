package otel

import (
	"context"
	"testing"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceClientOptions(t *testing.T) {
	assert.Len(t, traceClientOptions("http://collector:4318"), 2)
	assert.Len(t, traceClientOptions("collector:4318"), 2)
	assert.Len(t, traceClientOptions("https://collector:4318"), 1)
}

func TestSetupOtelWithoutTracing(t *testing.T) {
	o, err := SetupOtel(config.Tracing{Name: "zenflow-test"})
	require.NoError(t, err)
	assert.NotNil(t, o.meterProvider)
	assert.Nil(t, o.tracerprovider)
	o.Stop(context.Background())
	assert.Nil(t, o.meterProvider)
}
