package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUnknownKeyRejected(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Apply("no_such_key", "1", "test"))
}

func TestBoolSetter(t *testing.T) {
	var got bool
	set := BoolSetter(func(v bool) { got = v })

	require.NoError(t, set("true"))
	assert.True(t, got)
	assert.Error(t, set("maybe"))
}

func TestFloatSetterRangeValidation(t *testing.T) {
	var got float64
	set := FloatSetter(-0.5, 0, func(v float64) { got = v })

	require.NoError(t, set("-0.07"))
	assert.Equal(t, -0.07, got)

	// Out-of-range values never reach the consumer
	assert.Error(t, set("0.1"))
	assert.Equal(t, -0.07, got)
}

func TestDurationSetterMinimum(t *testing.T) {
	var got time.Duration
	set := DurationSetter(time.Second, func(v time.Duration) { got = v })

	require.NoError(t, set("15s"))
	assert.Equal(t, 15*time.Second, got)

	assert.Error(t, set("100ms"))
	assert.Equal(t, 15*time.Second, got)
	assert.Error(t, set("fast"))
}

func TestApplyRunsSetterBeforePersisting(t *testing.T) {
	r := NewRegistry(nil)
	var got time.Duration
	r.Register("durable_flush_interval", DurationSetter(time.Second, func(v time.Duration) { got = v }))

	require.NoError(t, r.Apply("durable_flush_interval", "10s", "api"))
	assert.Equal(t, 10*time.Second, got)

	assert.Error(t, r.Apply("durable_flush_interval", "10ms", "api"))
	assert.Equal(t, 10*time.Second, got)
}
