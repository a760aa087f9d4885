// Package mock is a scriptable [llm.Provider] for tests.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Bonjour!"}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers every Complete with the configured outcome and records
// the requests. The exported fields must be set before the provider is
// shared between goroutines.
type Provider struct {
	// CompleteFunc, when set, answers instead of CompleteResponse and
	// CompleteErr, e.g. to tell a trigger analysis from a reply prompt.
	CompleteFunc     func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// PanicValue makes Complete panic with it.
	PanicValue any

	// Model is returned by ModelID; empty reads "mock".
	Model string

	mu sync.Mutex
	// CompleteCalls is guarded by the provider; read it through Calls once
	// other goroutines may still call Complete.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	p.mu.Unlock()

	switch {
	case p.PanicValue != nil:
		panic(p.PanicValue)
	case p.CompleteFunc != nil:
		return p.CompleteFunc(ctx, req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// ModelID implements [llm.Provider].
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock"
	}
	return p.Model
}

// CallCount is the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Calls returns a snapshot of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Reset forgets the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.CompleteCalls = nil
	p.mu.Unlock()
}
