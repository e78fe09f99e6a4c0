package ai

import (
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// mockModelClient is a testify-mock domain.ModelClient shared by this
// package's tests that only need to stub ChatJSON/Embed expectations.
type mockModelClient struct {
	mock.Mock
}

func newMockModelClient(t *testing.T) *mockModelClient {
	m := &mockModelClient{}
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockModelClient) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt, maxTokens)
	return args.String(0), args.Error(1)
}

func (m *mockModelClient) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	vecs, _ := args.Get(0).([][]float32)
	return vecs, args.Error(1)
}
