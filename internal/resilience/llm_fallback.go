package resilience

import (
	"context"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over between chat models. A
// turn's reply is always generated by exactly one of them.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a fallback chain starting at primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.FallbackGroup, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ModelID implements [llm.Provider] with the primary's model.
func (f *LLMFallback) ModelID() string { return f.Primary().ModelID() }
