package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// localModelProvider calls a local Ollama-style embedding endpoint, one
// text per request (that API has no native batch verb), synchronously.
type localModelProvider struct {
	baseURL string
	model   string
	http    *http.Client
}

func newLocalModelProvider(cfg Config) *localModelProvider {
	return &localModelProvider{baseURL: cfg.BaseURL, model: cfg.Model, http: &http.Client{}}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (p *localModelProvider) Embed(ctx context.Context, texts []string, _ Mode) ([][]float32, int, error) {
	vectors := make([][]float32, len(texts))
	dim := 0
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, 0, fmt.Errorf("local_model embed [%d]: %w", i, err)
		}
		if dim == 0 {
			dim = len(vec)
		}
		vectors[i] = vec
	}
	return vectors, dim, nil
}

func (p *localModelProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local_model embed: status %d", resp.StatusCode)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("local_model embed decode: %w", err)
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// hostedProviderA issues one batched HTTP call per Embed, modeled on
// VoyageAI's /v1/embeddings contract (input array, model, input_type).
type hostedProviderA struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func newHostedProviderA(cfg Config) *hostedProviderA {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.voyageai.com/v1"
	}
	return &hostedProviderA{baseURL: baseURL, apiKey: cfg.APIKey, model: cfg.Model, http: &http.Client{}}
}

type hostedABatchRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type hostedABatchResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *hostedProviderA) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, int, error) {
	inputType := "document"
	if mode == ModeQuery {
		inputType = "query"
	}
	body, err := json.Marshal(hostedABatchRequest{Input: texts, Model: p.model, InputType: inputType})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var out hostedABatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("hosted_provider_a decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, 0, fmt.Errorf("hosted_provider_a embed: %s", msg)
	}

	vectors := make([][]float32, len(out.Data))
	dim := 0
	for i, item := range out.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
		if dim == 0 {
			dim = len(vec)
		}
	}
	return vectors, dim, nil
}

// hostedProviderB mirrors OpenAI's /v1/embeddings contract (input array,
// model, no input_type distinction between query and document).
type hostedProviderB struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func newHostedProviderB(cfg Config) *hostedProviderB {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &hostedProviderB{baseURL: baseURL, apiKey: cfg.APIKey, model: cfg.Model, http: &http.Client{}}
}

type hostedBBatchRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type hostedBBatchResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *hostedProviderB) Embed(ctx context.Context, texts []string, _ Mode) ([][]float32, int, error) {
	body, err := json.Marshal(hostedBBatchRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var out hostedBBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("hosted_provider_b decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, 0, fmt.Errorf("hosted_provider_b embed: %s", msg)
	}

	vectors := make([][]float32, len(out.Data))
	dim := 0
	for i, item := range out.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
		if dim == 0 {
			dim = len(vec)
		}
	}
	return vectors, dim, nil
}
