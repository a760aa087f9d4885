package embeddings

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestBatches(t *testing.T) {
	t.Parallel()
	texts := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		size int
		want []int
	}{
		{size: 2, want: []int{2, 2, 1}},
		{size: 5, want: []int{5}},
		{size: 10, want: []int{5}},
		{size: 0, want: []int{5}},
	}
	for _, tt := range tests {
		var got []int
		for _, b := range Batches(texts, tt.size) {
			got = append(got, len(b))
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("size %d: batch sizes %v, want %v", tt.size, got, tt.want)
		}
	}
	if got := Batches(nil, 3); len(got) != 0 {
		t.Errorf("nil input: %d batches", len(got))
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model    string
		wantDims int
		wantOK   bool
	}{
		{"text-embedding-3-large", 3072, true},
		{"nomic-embed-text", 768, true},
		{"library/nomic-embed-text:v1.5", 768, true},
		{"MXBAI-Embed-Large:latest", 1024, true},
		{"my-finetune", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		m, ok := Lookup(tt.model)
		if ok != tt.wantOK || m.Dimensions != tt.wantDims {
			t.Errorf("Lookup(%q) = %+v, %v", tt.model, m, ok)
		}
	}
	if m, _ := Lookup("nomic-embed-text"); m.QueryPrefix != "search_query: " || m.DocumentPrefix != "search_document: " {
		t.Errorf("nomic prefixes = %+v", m)
	}
}

func TestEmbedInBatches(t *testing.T) {
	t.Parallel()
	var batches [][]string
	vecs, err := EmbedInBatches(context.Background(), []string{"a", "b", "c"}, 2, func(_ context.Context, in []string) ([][]float32, error) {
		batches = append(batches, in)
		out := make([][]float32, len(in))
		for i, s := range in {
			out[i] = []float32{float32(s[0])}
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("EmbedInBatches: %v", err)
	}
	if len(batches) != 2 || len(vecs) != 3 || vecs[2][0] != 'c' {
		t.Errorf("batches %v, vectors %v", batches, vecs)
	}

	if vecs, err := EmbedInBatches(context.Background(), nil, 2, nil); vecs != nil || err != nil {
		t.Errorf("empty input = %v, %v", vecs, err)
	}

	short := func(context.Context, []string) ([][]float32, error) { return [][]float32{{1}}, nil }
	if _, err := EmbedInBatches(context.Background(), []string{"a", "b"}, 5, short); err == nil {
		t.Error("short batch accepted")
	}

	boom := errors.New("quota")
	fail := func(context.Context, []string) ([][]float32, error) { return nil, boom }
	if _, err := EmbedInBatches(context.Background(), []string{"a"}, 5, fail); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped quota error", err)
	}
}
