package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echoforge/pkg/provider/embeddings"
	"github.com/MrWong99/echoforge/pkg/provider/embeddings/ollama"
)

type embedCall struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive"`
}

// fakeOllama serves /api/embed with a 3-d vector per input whose first
// component is the input's position in its request.
type fakeOllama struct {
	mu    sync.Mutex
	calls []embedCall
	reply func(w http.ResponseWriter) bool
}

func (f *fakeOllama) serve(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var call embedCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		reply := f.reply
		f.mu.Unlock()

		if reply != nil && reply(w) {
			return
		}
		vecs := make([][]float32, len(call.Input))
		for i := range vecs {
			vecs[i] = []float32{float32(i), 0.5, 1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"model": call.Model, "embeddings": vecs})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func (f *fakeOllama) received() []embedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNew_RequiresModel(t *testing.T) {
	t.Parallel()
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("New accepted an empty model")
	}
}

func TestPrefixes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		model     string
		opts      []ollama.Option
		wantQuery string
		wantDoc   string
	}{
		{name: "nomic", model: "nomic-embed-text", wantQuery: "search_query: q", wantDoc: "search_document: d"},
		{name: "mxbai query only", model: "mxbai-embed-large:latest", wantQuery: "Represent this sentence for searching relevant passages: q", wantDoc: "d"},
		{name: "unknown model", model: "custom-embed", wantQuery: "q", wantDoc: "d"},
		{name: "disabled", model: "nomic-embed-text", opts: []ollama.Option{ollama.WithPrefixes("", "")}, wantQuery: "q", wantDoc: "d"},
		{name: "custom", model: "custom-embed", opts: []ollama.Option{ollama.WithPrefixes("query: ", "passage: ")}, wantQuery: "query: q", wantDoc: "passage: d"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeOllama{}
			p, err := ollama.New(fake.serve(t)+"/", tc.model, tc.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.EmbedQuery(context.Background(), "q"); err != nil {
				t.Fatalf("EmbedQuery: %v", err)
			}
			if _, err := p.EmbedDocuments(context.Background(), []string{"d"}); err != nil {
				t.Fatalf("EmbedDocuments: %v", err)
			}
			calls := fake.received()
			if calls[0].Input[0] != tc.wantQuery || calls[1].Input[0] != tc.wantDoc {
				t.Errorf("inputs = %q, %q", calls[0].Input[0], calls[1].Input[0])
			}
			if calls[0].Model != tc.model {
				t.Errorf("model = %q", calls[0].Model)
			}
		})
	}
}

func TestEmbedDocuments_Batches(t *testing.T) {
	t.Parallel()
	fake := &fakeOllama{}
	p, err := ollama.New(fake.serve(t), "all-minilm", ollama.WithBatchSize(2), ollama.WithKeepAlive(10*time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}
	if len(vecs) != 3 || vecs[1][0] != 1 || vecs[2][0] != 0 {
		t.Errorf("vectors = %v", vecs)
	}
	calls := fake.received()
	if len(calls) != 2 || len(calls[0].Input) != 2 || len(calls[1].Input) != 1 {
		t.Fatalf("requests = %+v", calls)
	}
	if calls[0].KeepAlive != "10m0s" {
		t.Errorf("keep_alive = %q", calls[0].KeepAlive)
	}
}

func TestDimensions(t *testing.T) {
	t.Parallel()

	known := map[string]int{"nomic-embed-text": 768, "mxbai-embed-large": 1024, "all-minilm:l6-v2": 384}
	for model, want := range known {
		p, _ := ollama.New("http://127.0.0.1:1", model)
		if got := p.Dimensions(); got != want {
			t.Errorf("%s: Dimensions() = %d, want %d", model, got, want)
		}
	}

	p, _ := ollama.New("http://127.0.0.1:1", "custom", ollama.WithDimensions(42))
	if got := p.Dimensions(); got != 42 {
		t.Errorf("declared: Dimensions() = %d, want 42", got)
	}

	unreachable, _ := ollama.New("http://127.0.0.1:1", "custom")
	if got := unreachable.Dimensions(); got != 0 {
		t.Errorf("unknown and unreachable: Dimensions() = %d, want 0", got)
	}
}

func TestDimensions_LearnedOnce(t *testing.T) {
	t.Parallel()
	fake := &fakeOllama{}
	p, err := ollama.New(fake.serve(t), "custom-embed")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		if got := p.Dimensions(); got != 3 {
			t.Fatalf("Dimensions() = %d, want 3", got)
		}
	}
	if _, err := p.EmbedQuery(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if n := len(fake.received()); n != 2 {
		t.Errorf("%d requests, want one sizing request plus the query", n)
	}
}

func TestEmbed_Errors(t *testing.T) {
	t.Parallel()

	t.Run("api error carries the message", func(t *testing.T) {
		t.Parallel()
		fake := &fakeOllama{reply: func(w http.ResponseWriter) bool {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model \"nomic-embed-text\" not found, try pulling it first"}`))
			return true
		}}
		p, _ := ollama.New(fake.serve(t), "nomic-embed-text")
		_, err := p.EmbedQuery(context.Background(), "x")
		var apiErr *ollama.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || !strings.Contains(apiErr.Message, "try pulling") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		fake := &fakeOllama{reply: func(w http.ResponseWriter) bool {
			_, _ = w.Write([]byte("{not json"))
			return true
		}}
		p, _ := ollama.New(fake.serve(t), "nomic-embed-text")
		if _, err := p.EmbedDocuments(context.Background(), []string{"x"}); err == nil {
			t.Error("EmbedDocuments accepted malformed JSON")
		}
	})

	t.Run("no vectors", func(t *testing.T) {
		t.Parallel()
		fake := &fakeOllama{reply: func(w http.ResponseWriter) bool {
			_, _ = w.Write([]byte(`{"embeddings":[]}`))
			return true
		}}
		p, _ := ollama.New(fake.serve(t), "nomic-embed-text")
		if _, err := p.EmbedQuery(context.Background(), "x"); !errors.Is(err, embeddings.ErrEmptyResponse) {
			t.Errorf("err = %v, want ErrEmptyResponse", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		fake := &fakeOllama{}
		p, _ := ollama.New(fake.serve(t), "nomic-embed-text")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.EmbedQuery(ctx, "x"); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
