package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutEndpointBuildsNoOpProvider(t *testing.T) {
	m, err := New(context.Background(), Options{InstanceID: "instance-a"}, nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.NotNil(t, m.StreamConsumed)
	assert.NotNil(t, m.FanoutSent)
	assert.NotNil(t, m.FanoutReceived)
	assert.NotNil(t, m.PendingEnqueued)
	assert.NotNil(t, m.RetrySucceeded)
	assert.NotNil(t, m.RetryFailed)
	assert.NotNil(t, m.DeadLettered)

	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestRegisterConnectedUsersGaugeSucceeds(t *testing.T) {
	m, err := New(context.Background(), Options{InstanceID: "instance-a"}, nil)
	require.NoError(t, err)

	err = m.RegisterConnectedUsersGauge("instance-a", func() int64 { return 7 })
	assert.NoError(t, err)
}

func TestCountersAcceptIncrements(t *testing.T) {
	m, err := New(context.Background(), Options{}, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.StreamConsumed.Add(context.Background(), 1)
		m.FanoutSent.Add(context.Background(), 1)
		m.DeadLettered.Add(context.Background(), 1)
	})
}
