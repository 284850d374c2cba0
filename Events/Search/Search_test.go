package search

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	ES "zuum/Services/Elasticsearch"
)

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSearchLimit(t *testing.T) {
	assert.Equal(t, 10, searchLimit(httptest.NewRequest(http.MethodGet, "/", nil)))
	assert.Equal(t, 3, searchLimit(httptest.NewRequest(http.MethodGet, "/?limit=3", nil)))
	assert.Equal(t, 10, searchLimit(httptest.NewRequest(http.MethodGet, "/?limit=-1", nil)))
	assert.Equal(t, 100, searchLimit(httptest.NewRequest(http.MethodGet, "/?limit=5000", nil)))
}

func TestSearchUnavailable(t *testing.T) {
	prev := ES.ESEnabled
	ES.ESEnabled = false
	t.Cleanup(func() { ES.ESEnabled = prev })

	w := serve(httptest.NewRequest(http.MethodGet, "/profiles/ada", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(httptest.NewRequest(http.MethodGet, "/posts/afro?kind=beat", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hits":{"hits":[{"_score":1,"_source":{"caption":"Lagos nights"}}]}}`))
	}))
	t.Cleanup(srv.Close)
	prevURL, prevEnabled := ES.ESBaseURL, ES.ESEnabled
	ES.ESBaseURL, ES.ESEnabled = srv.URL, true
	t.Cleanup(func() { ES.ESBaseURL, ES.ESEnabled = prevURL, prevEnabled })

	w := serve(httptest.NewRequest(http.MethodGet, "/posts/lagos", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "Lagos nights")
}
