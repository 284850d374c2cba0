package elasticsearch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	Utils "zuum/Utils"
)

var (
	ESBaseURL     string
	ESEnabled     bool
	ProfilesIndex = "profiles"
	PostsIndex    = "posts"
)

// ErrDisabled is returned by queries when the cluster was unreachable at startup.
var ErrDisabled = errors.New("elasticsearch is not available")

// InitElasticsearch pings the cluster and creates the indices. Search stays
// disabled when the cluster cannot be reached.
func InitElasticsearch() {
	esHost := os.Getenv("ELASTICSEARCH_HOST")
	esPort := os.Getenv("ELASTICSEARCH_PORT")

	if esHost == "" {
		esHost = "localhost"
	}
	if esPort == "" {
		esPort = "9200"
	}

	ESBaseURL = fmt.Sprintf("http://%s:%s", esHost, esPort)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Printf("Attempting to connect to Elasticsearch at %s...", ESBaseURL)
	if err := Utils.DoJSON(ctx, http.MethodGet, ESBaseURL, nil, nil, nil); err != nil {
		log.Printf("Warning: Elasticsearch connection failed: %v. Elasticsearch features will be disabled.", err)
		ESEnabled = false
		return
	}

	ESEnabled = true
	log.Println("Elasticsearch connected!")

	if err := createIndices(); err != nil {
		log.Printf("Warning: Failed to create Elasticsearch indices: %v", err)
	}
}

func createIndices() error {
	text := map[string]interface{}{"type": "text", "analyzer": "standard"}
	keyword := map[string]interface{}{"type": "keyword"}

	profilesMapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"profile_id":    keyword,
				"username":      text,
				"display_name":  text,
				"identity":      keyword,
				"profile_image": keyword,
			},
		},
	}
	postsMapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"post_id":    keyword,
				"kind":       keyword,
				"profile_id": keyword,
				"caption":    text,
				"genre":      text,
				"tags":       keyword,
				"created_at": map[string]interface{}{"type": "date"},
			},
		},
	}

	if err := createIndex(ProfilesIndex, profilesMapping); err != nil {
		return fmt.Errorf("failed to create profiles index: %w", err)
	}
	if err := createIndex(PostsIndex, postsMapping); err != nil {
		return fmt.Errorf("failed to create posts index: %w", err)
	}
	return nil
}

// createIndex creates an index unless it already exists.
func createIndex(indexName string, mapping map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	indexURL := fmt.Sprintf("%s/%s", ESBaseURL, indexName)
	err := Utils.DoJSON(ctx, http.MethodGet, indexURL, nil, nil, nil)
	if err == nil {
		log.Printf("Index '%s' already exists, skipping creation", indexName)
		return nil
	}
	var httpErr *Utils.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		return err
	}

	return Utils.DoJSON(ctx, http.MethodPut, indexURL, nil, mapping, nil)
}

// IndexDocument upserts doc under id. It is a no-op when search is disabled.
func IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	if !ESEnabled {
		return nil
	}
	docURL := fmt.Sprintf("%s/%s/_doc/%s", ESBaseURL, index, url.PathEscape(id))
	if err := Utils.DoJSON(ctx, http.MethodPut, docURL, nil, doc, nil); err != nil {
		return fmt.Errorf("failed to index %s/%s: %w", index, id, err)
	}
	return nil
}

// DeleteDocument removes a document. A missing document is not an error.
func DeleteDocument(ctx context.Context, index, id string) error {
	if !ESEnabled {
		return nil
	}
	docURL := fmt.Sprintf("%s/%s/_doc/%s", ESBaseURL, index, url.PathEscape(id))
	err := Utils.DoJSON(ctx, http.MethodDelete, docURL, nil, nil, nil)
	var httpErr *Utils.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string                 `json:"_id"`
			Score  float64                `json:"_score"`
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi_match over fields, optionally narrowed by exact term filters.
func Search(ctx context.Context, index, query string, fields []string, filters map[string]string, limit int) ([]map[string]interface{}, error) {
	if !ESEnabled {
		return nil, ErrDisabled
	}

	filterClauses := []interface{}{}
	for field, value := range filters {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}

	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":     query,
						"fields":    fields,
						"fuzziness": "AUTO",
					},
				},
				"filter": filterClauses,
			},
		},
	}

	var resp searchResponse
	searchURL := fmt.Sprintf("%s/%s/_search", ESBaseURL, index)
	if err := Utils.DoJSON(ctx, http.MethodPost, searchURL, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", index, err)
	}

	results := make([]map[string]interface{}, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		doc := hit.Source
		if doc == nil {
			doc = map[string]interface{}{}
		}
		doc["score"] = hit.Score
		results = append(results, doc)
	}
	return results, nil
}
