package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ReusesClientPerModel(t *testing.T) {
	reg := NewRegistry()
	builds := 0
	reg.Register("Replicate", func(_ context.Context, model string) (Provider, error) {
		builds++
		return NewReplicateProvider("https://api.example.com/v1", "tok", model), nil
	})

	a, err := reg.Get(context.Background(), "replicate", "owner/video")
	require.NoError(t, err)
	b, err := reg.Get(context.Background(), " REPLICATE ", "owner/video")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = reg.Get(context.Background(), "replicate", "owner/audio")
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.Equal(t, []string{"replicate"}, reg.Names())
}

func TestRegistry_UnknownProvider(t *testing.T) {
	_, err := NewRegistry().Get(context.Background(), "runway", "gen3")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
