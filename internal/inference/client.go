// Package inference is a thin HTTP client for the local LM inference
// service the enhancement middleware calls to rewrite prompts and compute
// embeddings. The service's lifecycle is managed externally (Non-goal); this
// client only speaks its wire protocol.
//
// Grounded on the teacher's HubClient.sendRequest (internal/mcp/hub_client.go):
// marshal a JSON body, POST it, decode a JSON response, treat non-2xx as an
// inference error.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate asks the inference service to produce an enhanced prompt from the
// given model, optional system prompt, and original prompt text.
func (c *Client) Generate(ctx context.Context, model, systemPrompt, prompt string) (string, error) {
	var out generateResponse
	if err := c.post(ctx, "/generate", generateRequest{Model: model, SystemPrompt: systemPrompt, Prompt: prompt}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed asks the inference service for a vector embedding of text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var out embedResponse
	if err := c.post(ctx, "/embed", embedRequest{Model: model, Text: text}, &out); err != nil {
		return nil, err
	}
	return out.Vector, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return gatewayerr.Inference("marshal inference request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gatewayerr.Inference("build inference request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gatewayerr.Cancellation("inference request canceled", ctx.Err())
		}
		return gatewayerr.Inference("inference service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayerr.Inference("read inference response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayerr.Inference(fmt.Sprintf("inference service returned HTTP %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return gatewayerr.Inference("decode inference response", err)
	}
	return nil
}
