package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPostsToCollectionPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/prompts/points", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	err := c.Upsert(context.Background(), Point{ID: "abc", Vector: []float32{1, 0, 0}})
	require.NoError(t, err)
}

func TestSearchReturnsMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/prompts/search", r.URL.Path)
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 5, req.Limit)

		json.NewEncoder(w).Encode(searchResponse{Matches: []Match{
			{Point: Point{ID: "1"}, Score: 0.98},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	matches, err := c.Search(context.Background(), []float32{1, 0, 0}, 5, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "1", matches[0].ID)
	assert.InDelta(t, 0.98, matches[0].Score, 0.0001)
}

func TestDropCollectionTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	err := c.DropCollection(context.Background())
	require.NoError(t, err)
}

func TestDropCollectionErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("store unavailable"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	err := c.DropCollection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestCollectionInfoReturnsPointCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/collections/prompts", r.URL.Path)
		json.NewEncoder(w).Encode(CollectionInfo{PointsCount: 42})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	info, err := c.CollectionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, info.PointsCount)
}

func TestEnsureCollectionSendsVectorSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(384), body["vector_size"])
		assert.Equal(t, "cosine", body["distance"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "prompts", time.Second)
	err := c.EnsureCollection(context.Background(), 384)
	require.NoError(t, err)
}
