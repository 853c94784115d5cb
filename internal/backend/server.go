package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
)

const (
	// DefaultServerURL is where the model server listens by default.
	DefaultServerURL = "http://localhost:7860"
	// DefaultTimeout bounds a single model server request.
	DefaultTimeout = 10 * time.Minute
)

// Text encoder backends.
const (
	TextEncoderServer = "server"
	TextEncoderOllama = "ollama"
)

// ServerError is a non-2xx answer from the model server.
type ServerError struct {
	Path    string
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("model server %s: %s", e.Path, http.StatusText(e.Status))
	}
	return fmt.Sprintf("model server %s: %s (%d)", e.Path, e.Message, e.Status)
}

// ServerLoader loads bundles into a model server session.
type ServerLoader struct {
	Fs         afero.Fs
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client

	// TextEncoder selects where prompts are embedded.
	TextEncoder string
	OllamaURL   string
	OllamaModel string

	Logger *slog.Logger
}

type loadRequest struct {
	ModelPath   string         `json:"model_path"`
	DType       string         `json:"dtype"`
	Device      string         `json:"device"`
	Inference   bool           `json:"inference"`
	ModelConfig map[string]any `json:"model_config,omitempty"`
}

type loadResponse struct {
	Session string `json:"session"`
}

func (l *ServerLoader) Load(ctx context.Context, modelPath string, opts LoadOptions) (pipeline.Components, error) {
	fsys := l.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	bundle, err := ReadBundle(ctx, fsys, modelPath)
	if err != nil {
		return pipeline.Components{}, err
	}

	dtype := opts.DType
	if dtype == "" {
		dtype = tensor.Float32
	}
	client := newServerClient(l.URL, l.Timeout, l.HTTPClient)
	var resp loadResponse
	err = client.post(ctx, "/api/load", loadRequest{
		ModelPath:   modelPath,
		DType:       string(dtype),
		Device:      opts.Device,
		Inference:   true,
		ModelConfig: opts.ModelConfig,
	}, &resp)
	if err != nil {
		return pipeline.Components{}, fmt.Errorf("failed to load %s: %w", modelPath, err)
	}
	if resp.Session == "" {
		return pipeline.Components{}, fmt.Errorf("failed to load %s: server returned no session", modelPath)
	}

	s := &Session{client: client, id: resp.Session, dtype: dtype}
	c := bundle.Components(pipeline.Components{Tokenizer: s, TextEncoder: s, VAE: s, UNet: s})

	switch l.TextEncoder {
	case "", TextEncoderServer:
	case TextEncoderOllama:
		enc, err := NewOllamaEncoder(l.OllamaURL, l.OllamaModel)
		if err != nil {
			s.Close()
			return pipeline.Components{}, err
		}
		if err := enc.CheckModel(ctx); err != nil {
			s.Close()
			return pipeline.Components{}, err
		}
		if err := checkEmbeddingWidth(ctx, enc, bundle.UNet); err != nil {
			s.Close()
			return pipeline.Components{}, err
		}
		c.TextEncoder = enc
	default:
		s.Close()
		return pipeline.Components{}, fmt.Errorf("unknown text encoder backend %q", l.TextEncoder)
	}

	if l.Logger != nil {
		l.Logger.Debug("loaded model bundle", "path", modelPath, "session", s.id, "dtype", opts.DType)
	}
	return c, nil
}

// checkEmbeddingWidth rejects an encoder whose embeddings the UNet's
// cross-attention cannot consume.
func checkEmbeddingWidth(ctx context.Context, enc *OllamaEncoder, unet UNetConfig) error {
	if unet.CrossAttentionDim == 0 {
		return nil
	}
	dim, err := enc.dimension(ctx)
	if err != nil {
		return err
	}
	if dim != unet.CrossAttentionDim {
		return fmt.Errorf("model '%s' embeds %d values, unet cross-attention expects %d", enc.Model(), dim, unet.CrossAttentionDim)
	}
	return nil
}

type serverClient struct {
	base string
	http *http.Client
}

func newServerClient(url string, timeout time.Duration, hc *http.Client) *serverClient {
	if url == "" {
		url = DefaultServerURL
	}
	if hc == nil {
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &serverClient{base: strings.TrimRight(url, "/"), http: hc}
}

func (c *serverClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model server %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &msg) != nil {
			msg.Error = strings.TrimSpace(string(data))
		}
		return &ServerError{Path: path, Status: resp.StatusCode, Message: msg.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("model server %s: failed to decode response: %w", path, err)
	}
	return nil
}

// Session is one loaded bundle on the model server. It serves as
// tokenizer, text encoder, autoencoder and denoiser.
type Session struct {
	client *serverClient
	id     string
	dtype  tensor.DType

	closeOnce sync.Once
	closeErr  error
}

type sessionRequest struct {
	Session string `json:"session"`
}

type textRequest struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

type tensorRequest struct {
	Session string        `json:"session"`
	Input   tensor.Tensor `json:"input"`
}

type tensorResponse struct {
	Output tensor.Tensor `json:"output"`
}

type unetRequest struct {
	Session        string        `json:"session"`
	Latents        tensor.Tensor `json:"latents"`
	Timestep       int           `json:"timestep"`
	Embeddings     tensor.Tensor `json:"embeddings"`
	StoreAttention bool          `json:"store_attention"`
	ReuseAttention bool          `json:"reuse_attention"`
	DiskStore      bool          `json:"disk_store"`
}

// ID is the server-side session id.
func (s *Session) ID() string { return s.id }

func (s *Session) Tokenize(ctx context.Context, text string) ([]int, error) {
	var resp struct {
		IDs []int `json:"ids"`
	}
	if err := s.client.post(ctx, "/api/tokenize", textRequest{Session: s.id, Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (s *Session) EncodeText(ctx context.Context, text string) (tensor.Tensor, error) {
	var resp tensorResponse
	if err := s.client.post(ctx, "/api/encode_prompt", textRequest{Session: s.id, Text: text}, &resp); err != nil {
		return tensor.Tensor{}, err
	}
	// (batch, tokens, dim) or at least (batch, dim)
	if len(resp.Output.Shape) < 2 {
		return tensor.Tensor{}, fmt.Errorf("prompt embedding has shape %v, want at least 2 dimensions", resp.Output.Shape)
	}
	return resp.Output, tensor.Validate(resp.Output)
}

func (s *Session) Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error) {
	return s.transform(ctx, "/api/vae/encode", images)
}

func (s *Session) Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error) {
	return s.transform(ctx, "/api/vae/decode", latents)
}

func (s *Session) transform(ctx context.Context, path string, in tensor.Tensor) (tensor.Tensor, error) {
	cast, err := tensor.Cast(in, s.dtype)
	if err != nil {
		return tensor.Tensor{}, err
	}
	var resp tensorResponse
	if err := s.client.post(ctx, path, tensorRequest{Session: s.id, Input: cast}, &resp); err != nil {
		return tensor.Tensor{}, err
	}
	return resp.Output, tensor.Validate(resp.Output)
}

func (s *Session) PredictNoise(ctx context.Context, latents tensor.Tensor, t int, emb tensor.Tensor, opts pipeline.DenoiseOptions) (tensor.Tensor, error) {
	lat, err := tensor.Cast(latents, s.dtype)
	if err != nil {
		return tensor.Tensor{}, err
	}
	var resp tensorResponse
	err = s.client.post(ctx, "/api/unet", unetRequest{
		Session:        s.id,
		Latents:        lat,
		Timestep:       t,
		Embeddings:     emb,
		StoreAttention: opts.StoreAttention,
		ReuseAttention: opts.ReuseAttention,
		DiskStore:      opts.DiskStore,
	}, &resp)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !slices.Equal(resp.Output.Shape, latents.Shape) {
		return tensor.Tensor{}, fmt.Errorf("model server /api/unet: noise shape %v does not match latents %v",
			resp.Output.Shape, latents.Shape)
	}
	return resp.Output, nil
}

// Freeze switches the session's modules to eval mode without gradients.
func (s *Session) Freeze(ctx context.Context) error {
	return s.client.post(ctx, "/api/eval", sessionRequest{Session: s.id}, nil)
}

// EnableMemoryEfficientAttention asks the server for xformers style
// attention. Servers without it answer 501.
func (s *Session) EnableMemoryEfficientAttention(ctx context.Context) error {
	err := s.client.post(ctx, "/api/optimize", struct {
		Session string `json:"session"`
		Feature string `json:"feature"`
	}{s.id, "memory_efficient_attention"}, nil)
	var se *ServerError
	if errors.As(err, &se) && se.Status == http.StatusNotImplemented {
		return &pipeline.OptionalFeatureUnavailable{Feature: "memory efficient attention", Err: err}
	}
	return err
}

// Close releases the session on the server. It is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.closeErr = s.client.post(ctx, "/api/release", sessionRequest{Session: s.id}, nil)
	})
	return s.closeErr
}
