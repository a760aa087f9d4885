// Package openai sends chat completions through the official OpenAI SDK.
//
// It also serves any OpenAI-compatible endpoint such as vLLM, LM Studio or
// a llama.cpp server via [WithBaseURL]. Those usually need no API key.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
)

// DefaultMaxRetries is how often the SDK retries a request unless
// [WithMaxRetries] says otherwise. Failover to another provider happens in
// the resilience layer, so this stays low.
const DefaultMaxRetries = 1

// Provider is an [llm.Provider] for one model on one endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL    string
	maxRetries int
	reqOpts    []option.RequestOption
}

// Option customises the SDK client.
type Option func(*settings)

// WithBaseURL targets an OpenAI-compatible endpoint instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds every HTTP request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries sets the SDK retry budget per request.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a provider for model. apiKey may only be empty together with
// [WithBaseURL], for self-hosted endpoints that do not check it.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model is required")
	}
	s := settings{maxRetries: DefaultMaxRetries}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai: an API key is required for api.openai.com")
	}

	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}, s.reqOpts...)
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// ModelID implements [llm.Provider].
func (p *Provider) ModelID() string { return p.model }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai: %s: status %d: %w", p.model, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: %w", p.model, llm.ErrEmptyResponse)
	}
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	conv := req.Conversation()
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(conv)),
	}
	for _, m := range conv {
		msg, err := message(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, msg)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func message(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		var a oai.ChatCompletionAssistantMessageParam
		a.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			a.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: message role %q is not supported", m.Role)
}
