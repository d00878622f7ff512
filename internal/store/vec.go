package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/chronicle/internal/domain"
)

// Embedder turns record text into an embedding vector. The production
// implementation calls an OpenAI-compatible /embeddings endpoint; tests
// substitute a local stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VecStore maintains one vector per record in an external HTTP vector
// index, keyed by record id. Vector writes are best-effort: the write
// coordinator treats failures as non-fatal and the reconciler repairs gaps.
type VecStore struct {
	baseURL  string
	token    string
	client   *http.Client
	embedder Embedder
}

// VecConfig holds vector index connection settings.
type VecConfig struct {
	// IndexURL is the vector index base URL. This is the only accepted
	// binding; see config.Validate for the legacy-binding rejection.
	IndexURL string
	Token    string
}

// NewVecStore builds the vector index client.
func NewVecStore(cfg VecConfig, embedder Embedder) (*VecStore, error) {
	if cfg.IndexURL == "" {
		return nil, fmt.Errorf("vector index URL is required")
	}
	return &VecStore{
		baseURL:  strings.TrimRight(cfg.IndexURL, "/"),
		token:    cfg.Token,
		client:   &http.Client{Timeout: 15 * time.Second},
		embedder: embedder,
	}, nil
}

func (s *VecStore) Name() domain.Store { return domain.StoreVec }

type vecUpsertRequest struct {
	ID       string         `json:"id"`
	Values   []float64      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type vecFetchRequest struct {
	IDs []string `json:"ids"`
}

type vecFetchResponse struct {
	Vectors []struct {
		ID string `json:"id"`
	} `json:"vectors"`
}

// summaryText flattens the record into the text handed to the embedder.
func summaryText(rec *domain.Record) string {
	var b strings.Builder
	b.WriteString(rec.OperationID)
	if len(rec.Tags) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(rec.Tags, " "))
	}
	if rec.Payload != nil {
		if data, err := json.Marshal(rec.Payload); err == nil {
			b.WriteString(" ")
			b.Write(data)
		}
	}
	return b.String()
}

// Write embeds a summary of the record and upserts it under the record id.
// An existing vector for the id is replaced.
func (s *VecStore) Write(ctx context.Context, rec *domain.Record) error {
	values, err := s.embedder.Embed(ctx, summaryText(rec))
	if err != nil {
		return fmt.Errorf("embed %s: %w", rec.ID, err)
	}

	meta := map[string]any{
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"kind":      rec.Kind,
	}
	if rec.Backfilled {
		meta["backfilled"] = true
	}

	return s.post(ctx, "/vectors/upsert", vecUpsertRequest{
		ID:       rec.ID,
		Values:   values,
		Metadata: meta,
	}, nil)
}

// Has queries the index by id filter.
func (s *VecStore) Has(ctx context.Context, rec *domain.Record) (bool, error) {
	var resp vecFetchResponse
	if err := s.post(ctx, "/vectors/fetch", vecFetchRequest{IDs: []string{rec.ID}}, &resp); err != nil {
		return false, err
	}
	for _, v := range resp.Vectors {
		if v.ID == rec.ID {
			return true, nil
		}
	}
	return false, nil
}

func (s *VecStore) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector index %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector index %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vector index %s: decode: %w", path, err)
		}
	}
	return nil
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPEmbedder builds an embedder for the given endpoint. Model defaults
// to text-embedding-3-small.
func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	data, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings call: %w", err)
	}
	defer resp.Body.Close()

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embeddings decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("embeddings: %s", parsed.Error.Message)
		}
		return nil, fmt.Errorf("embeddings: status %d", resp.StatusCode)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return parsed.Data[0].Embedding, nil
}
