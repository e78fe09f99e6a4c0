package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGuardedClient_ChatJSON_CachesSecondCall(t *testing.T) {
	base := newMockModelClient(t)
	base.On("ChatJSON", mock.Anything, "sys", "user", 100).Return(`{"ok":true}`, nil).Once()

	g := NewGuardedClient(base, "model-a", NewModelCache(8, defaultModelCacheTTL), NewCircuitBreakerManager())

	out1, err := g.ChatJSON(context.Background(), "sys", "user", 100)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, out1)

	out2, err := g.ChatJSON(context.Background(), "sys", "user", 100)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestGuardedClient_ChatJSON_OpensCircuitAfterRepeatedFailures(t *testing.T) {
	base := newMockModelClient(t)
	failure := errors.New("upstream unavailable")
	base.On("ChatJSON", mock.Anything, "sys", "user", 100).Return("", failure).Times(3)

	breakers := NewCircuitBreakerManager()
	g := NewGuardedClient(base, "model-b", nil, breakers)

	for i := 0; i < 3; i++ {
		_, err := g.ChatJSON(context.Background(), "sys", "user", 100)
		require.ErrorIs(t, err, failure)
	}

	_, err := g.ChatJSON(context.Background(), "sys", "user", 100)
	require.Error(t, err)
	require.NotErrorIs(t, err, failure)
}

func TestGuardedClient_Embed_PassesThrough(t *testing.T) {
	base := newMockModelClient(t)
	base.On("Embed", mock.Anything, []string{"a"}).Return([][]float32{{1, 2}}, nil).Once()

	g := NewGuardedClient(base, "model-c", NewDefaultModelCache(), NewCircuitBreakerManager())

	out, err := g.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2}}, out)
}
