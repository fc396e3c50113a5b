package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel)

	// Disabled telemetry still serves usable (no-op) instruments.
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewEnabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "analystd-test"})
	require.NoError(t, err)

	tracer := tel.Tracer("pipeline")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestValidate(t *testing.T) {
	err := (&Config{Enabled: true}).Validate()
	assert.Error(t, err)

	err = (&Config{Enabled: false}).Validate()
	assert.NoError(t, err)
}
