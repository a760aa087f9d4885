package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/echoforge/pkg/provider/llm"
	llmmock "github.com/MrWong99/echoforge/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary *llmmock.Provider, maxFailures int) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		want          string
		wantSecondary int
		wantAllFailed bool
	}{
		{name: "primary answers", want: "Bienvenue!", wantSecondary: 0},
		{name: "secondary takes over", primaryErr: errors.New("503"), want: "Willkommen!", wantSecondary: 1},
		{name: "both down", primaryErr: errors.New("503"), secondaryErr: errors.New("timeout"), wantSecondary: 1, wantAllFailed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Bienvenue!"}, CompleteErr: tc.primaryErr}
			secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Willkommen!"}, CompleteErr: tc.secondaryErr}
			fb := newLLMFallback(primary, secondary, 3)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
			})
			if tc.wantAllFailed {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
			} else if err != nil || resp.Content != tc.want {
				t.Fatalf("Complete() = %+v, %v, want %q", resp, err, tc.want)
			}
			if primary.CallCount() != 1 || secondary.CallCount() != tc.wantSecondary {
				t.Errorf("calls: primary %d, secondary %d", primary.CallCount(), secondary.CallCount())
			}
			if got := secondary.Calls(); len(got) == 1 && got[0].Req.Messages[0].Content != "Hello" {
				t.Errorf("secondary received %+v", got[0].Req)
			}
		})
	}
}

func TestLLMFallback_ModelIDIsPrimary(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(&llmmock.Provider{Model: "openai/gpt-4o-mini"}, &llmmock.Provider{Model: "ollama/llama3"}, 3)
	if got := fb.ModelID(); got != "openai/gpt-4o-mini" {
		t.Errorf("ModelID() = %q", got)
	}
}

func TestLLMFallback_CancelledDoesNotTrip(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: context.Canceled}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "secondary"}}
	fb := newLLMFallback(primary, secondary, 1)

	for range 3 {
		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times after cancellation", secondary.CallCount())
	}
	if got := fb.States()["primary"]; got != StateClosed {
		t.Errorf("primary state = %v, want closed", got)
	}
}
