// Package anyllm serves chat completions through
// github.com/mozilla-ai/any-llm-go, which speaks to OpenAI, Anthropic,
// Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp and llamafile behind a
// single API.
//
// Without an API key option each backend reads its usual environment
// variable, e.g. OPENAI_API_KEY.
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

type backendFactory func(...anyllmlib.Option) (anyllmlib.Provider, error)

func adapt[P anyllmlib.Provider](newBackend func(...anyllmlib.Option) (P, error)) backendFactory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return newBackend(opts...)
	}
}

var backends = map[string]backendFactory{
	"openai":    adapt(anyllmoai.New),
	"anthropic": adapt(anthropic.New),
	"gemini":    adapt(gemini.New),
	"ollama":    adapt(ollama.New),
	"deepseek":  adapt(deepseek.New),
	"mistral":   adapt(mistral.New),
	"groq":      adapt(groq.New),
	"llamacpp":  adapt(llamacpp.New),
	"llamafile": adapt(llamafile.New),
}

// Backends lists the backend names [New] accepts, sorted.
func Backends() []string { return slices.Sorted(maps.Keys(backends)) }

// Provider is an [llm.Provider] on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New connects to backend (case-insensitive, one of [Backends]) and sends
// every completion to model.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(backend)
	if model == "" {
		return nil, fmt.Errorf("anyllm: %s: model is required", name)
	}
	factory, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q, want one of %s", backend, strings.Join(Backends(), ", "))
	}
	b, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, llm.ErrEmptyResponse)
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// ModelID implements [llm.Provider]. It reads "backend/model".
func (p *Provider) ModelID() string { return p.name + "/" + p.model }

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	conv := req.Conversation()
	params := anyllmlib.CompletionParams{
		Model:       p.model,
		Messages:    make([]anyllmlib.Message, 0, len(conv)),
		Temperature: req.Temperature,
	}
	for _, m := range conv {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
