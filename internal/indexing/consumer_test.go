package indexing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerRegistersIndexVideoHandler(t *testing.T) {
	pipeline := &Pipeline{}
	c, err := NewConsumer(ConsumerConfig{RedisURL: "redis://127.0.0.1:6379/0", Concurrency: 4, MaxRetries: 3}, pipeline, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, c.server)
	assert.NotNil(t, c.mux)
}

func TestNewConsumerRejectsInvalidRedisURL(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{RedisURL: "not-a-url"}, &Pipeline{}, zerolog.Nop())
	require.Error(t, err)
}
