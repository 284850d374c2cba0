package elasticsearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCluster(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	prevURL, prevEnabled := ESBaseURL, ESEnabled
	ESBaseURL, ESEnabled = srv.URL, true
	t.Cleanup(func() {
		ESBaseURL, ESEnabled = prevURL, prevEnabled
		srv.Close()
	})
}

func TestSearchDisabled(t *testing.T) {
	prev := ESEnabled
	ESEnabled = false
	t.Cleanup(func() { ESEnabled = prev })

	_, err := Search(context.Background(), PostsIndex, "afro", []string{"caption"}, nil, 10)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, IndexDocument(context.Background(), PostsIndex, "p1", map[string]string{}))
}

func TestSearchSendsFiltersAndScores(t *testing.T) {
	var got map[string]interface{}
	withCluster(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/posts/_search", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hits":{"hits":[{"_score":2.5,"_source":{"caption":"Afro drill","kind":"beat"}}]}}`))
	})

	results, err := Search(context.Background(), PostsIndex, "afro", []string{"caption^2"}, map[string]string{"kind": "beat"}, 5)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Afro drill", results[0]["caption"])
	assert.Equal(t, 2.5, results[0]["score"])
	assert.EqualValues(t, 5, got["size"])
	filters := got["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	assert.Len(t, filters, 1)
}

func TestSearchClusterError(t *testing.T) {
	withCluster(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := Search(context.Background(), ProfilesIndex, "ada", []string{"username"}, nil, 10)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDisabled)
}
