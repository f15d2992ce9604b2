package rpcpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEndpoint(priority int) *Endpoint {
	return NewEndpoint(EndpointConfig{Host: "127.0.0.1", Port: 0, PollPriority: priority})
}

func TestEndpointPoolElection(t *testing.T) {
	low := newTestEndpoint(1)
	high := newTestEndpoint(10)
	extra := newTestEndpoint(5)
	pool := NewEndpointPool([]*Endpoint{low, high, extra}, 0, zap.NewNop())

	assert.Nil(t, pool.PollEndpoint())

	pool.promote(low)
	assert.Equal(t, low, pool.PollEndpoint())

	pool.promote(high)
	assert.Equal(t, high, pool.PollEndpoint(), "higher priority endpoint should take over poll")

	// Promoting a lower-priority endpoint after poll is already elected
	// must never downgrade it.
	pool.promote(extra)
	assert.Equal(t, high, pool.PollEndpoint())
}

func TestEndpointPoolMarkDownReElects(t *testing.T) {
	low := newTestEndpoint(1)
	high := newTestEndpoint(10)
	pool := NewEndpointPool([]*Endpoint{low, high}, 0, zap.NewNop())

	pool.promote(low)
	pool.promote(high)
	require.Equal(t, high, pool.PollEndpoint())

	pool.MarkDown(high)
	assert.Equal(t, low, pool.PollEndpoint(), "pool should re-elect the remaining live endpoint")

	pool.MarkDown(low)
	assert.Nil(t, pool.PollEndpoint(), "poll must be nil once no endpoint is live")
}

func TestEndpointPoolMarkDownIgnoresUnknownEndpoint(t *testing.T) {
	pool := NewEndpointPool(nil, 0, zap.NewNop())
	pool.MarkDown(newTestEndpoint(1))
	assert.Nil(t, pool.PollEndpoint())
}
