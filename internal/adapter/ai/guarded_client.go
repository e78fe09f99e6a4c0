package ai

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// guardedClient wraps a ModelClient's ChatJSON calls with a per-model
// circuit breaker and a prompt-keyed response cache. Embed is passed
// through unmodified; callers that also want embedding caching compose
// this with NewEmbedCache.
type guardedClient struct {
	base     domain.ModelClient
	modelID  string
	cache    *ModelCache
	breakers *CircuitBreakerManager
}

// NewGuardedClient wraps base so that repeated ChatJSON prompts are served
// from cache and a model tripping its failure threshold stops taking new
// requests until its recovery timeout passes. A nil cache or breakers
// disables the corresponding guard.
func NewGuardedClient(base domain.ModelClient, modelID string, cache *ModelCache, breakers *CircuitBreakerManager) domain.ModelClient {
	if base == nil {
		return base
	}
	return &guardedClient{base: base, modelID: modelID, cache: cache, breakers: breakers}
}

func (g *guardedClient) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if g.cache != nil {
		if cached, ok := g.cache.Get(systemPrompt, userPrompt); ok {
			return cached, nil
		}
	}

	var breaker *CircuitBreaker
	if g.breakers != nil {
		breaker = g.breakers.GetBreaker(g.modelID)
		if !breaker.ShouldAttempt() {
			return "", fmt.Errorf("op=ai.guarded_client.chat_json: circuit open for model %s: temporary failure", g.modelID)
		}
	}

	out, err := g.base.ChatJSON(ctx, systemPrompt, userPrompt, maxTokens)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		return "", err
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	if g.cache != nil {
		g.cache.Set(systemPrompt, userPrompt, out, g.modelID)
	}
	return out, nil
}

func (g *guardedClient) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	return g.base.Embed(ctx, texts)
}

// defaultModelCacheTTL and defaultModelCacheEntries size the per-process
// ChatJSON response cache shared across a model's callers.
const (
	defaultModelCacheEntries = 512
	defaultModelCacheTTL     = 5 * time.Minute
)

// NewDefaultModelCache builds a ModelCache sized for production dispatcher
// use.
func NewDefaultModelCache() *ModelCache {
	return NewModelCache(defaultModelCacheEntries, defaultModelCacheTTL)
}
