package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pders01/ckpt-eval/internal/tensor"
)

const (
	// DefaultOllamaModel is the embedding model used for prompts.
	DefaultOllamaModel = "nomic-embed-text"
	// DefaultOllamaURL is the default Ollama API endpoint
	DefaultOllamaURL = "http://localhost:11434"
)

// OllamaEncoder embeds prompts with an Ollama embedding model. Each prompt
// becomes a single (1, 1, dim) token.
type OllamaEncoder struct {
	client *api.Client
	model  string

	mu  sync.Mutex
	dim int
}

// NewOllamaEncoder creates an encoder for the Ollama server at rawURL.
func NewOllamaEncoder(rawURL, model string) (*OllamaEncoder, error) {
	if rawURL == "" {
		rawURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", rawURL, err)
	}

	return &OllamaEncoder{
		client: api.NewClient(base, &http.Client{Timeout: 2 * time.Minute}),
		model:  model,
	}, nil
}

// Model returns the embedding model name.
func (e *OllamaEncoder) Model() string {
	return e.model
}

// CheckModel checks if the embedding model has been pulled.
func (e *OllamaEncoder) CheckModel(ctx context.Context) error {
	listResp, err := e.client.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ollama models: %w", err)
	}

	for _, m := range listResp.Models {
		if m.Name == e.model || strings.TrimSuffix(m.Name, ":latest") == e.model {
			return nil
		}
	}

	return fmt.Errorf("model '%s' not found - run: ollama pull %s", e.model, e.model)
}

// EncodeText embeds text. The empty prompt, used for the unconditional
// guidance branch, maps to the zero embedding.
func (e *OllamaEncoder) EncodeText(ctx context.Context, text string) (tensor.Tensor, error) {
	if strings.TrimSpace(text) == "" {
		dim, err := e.dimension(ctx)
		if err != nil {
			return tensor.Tensor{}, err
		}
		return tensor.Zeros(1, 1, dim), nil
	}

	vec, err := e.embed(ctx, text)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.New([]int{1, 1, len(vec)}, vec)
}

func (e *OllamaEncoder) dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	dim := e.dim
	e.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}
	vec, err := e.embed(ctx, "a")
	if err != nil {
		return 0, err
	}
	return len(vec), nil
}

func (e *OllamaEncoder) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	vec := resp.Embeddings[0]
	e.mu.Lock()
	e.dim = len(vec)
	e.mu.Unlock()
	return vec, nil
}
