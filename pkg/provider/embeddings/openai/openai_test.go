package openai

import (
	"testing"

	oai "github.com/openai/openai-go"
)

// TestNew_DefaultModel verifies that an empty model string defaults to text-embedding-3-small.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "text-embedding-3-small")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_Options verifies that options are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// TestDimensions_KnownModels verifies the dimension mapping for known models.
func TestDimensions_KnownModels(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{oai.EmbeddingModelTextEmbedding3Small, 1536},
		{oai.EmbeddingModelTextEmbedding3Large, 3072},
		{oai.EmbeddingModelTextEmbeddingAda002, 1536},
	}
	for _, tt := range tests {
		p, err := New("sk-test", tt.model)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.model, err)
		}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("model %s: Dimensions() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

// TestDimensions_UnknownModel verifies that unknown models fall back to 1536.
func TestDimensions_UnknownModel(t *testing.T) {
	p, err := New("sk-test", "some-future-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dimensions() != 1536 {
		t.Errorf("unknown model: Dimensions() = %d, want 1536", p.Dimensions())
	}
}

// TestModelID verifies that ModelID returns the model string as-is.
func TestModelID(t *testing.T) {
	p, err := New("sk-test", "my-custom-embeddings-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != "my-custom-embeddings-model" {
		t.Errorf("ModelID() = %q", p.ModelID())
	}
}

// TestFloat64ToFloat32 verifies the conversion helper.
func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i, v := range out {
		expected := float32(in[i])
		if v != expected {
			t.Errorf("index %d: expected %v, got %v", i, expected, v)
		}
	}
}
