package search

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ES "zuum/Services/Elasticsearch"
	Utils "zuum/Utils"
)

// Handle sets up the routes for search endpoints
func Handle(r chi.Router) {
	r.Get("/profiles/{query}", SearchProfilesHandler)
	r.Get("/posts/{query}", SearchPostsHandler)
}

func searchLimit(r *http.Request) int {
	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > Utils.MaxPageLimit {
				limit = Utils.MaxPageLimit
			}
		}
	}
	return limit
}

// SearchProfilesHandler searches profiles by username and display name
func SearchProfilesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := chi.URLParam(r, "query")
	if query == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Query parameter is required")
		return
	}
	limit := searchLimit(r)

	results, err := ES.Search(ctx, ES.ProfilesIndex, query, []string{"username^2", "display_name"}, nil, limit)
	if errors.Is(err, ES.ErrDisabled) {
		Utils.SendErrorResponse(w, http.StatusServiceUnavailable, "Search is temporarily unavailable")
		return
	}
	if err != nil {
		log.Printf("SearchProfilesHandler: failed to search profiles: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to search profiles")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"profiles": results,
		"query":    query,
		"limit":    limit,
		"count":    len(results),
	})
}

// SearchPostsHandler searches ready posts, optionally of one kind
func SearchPostsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := chi.URLParam(r, "query")
	if query == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Query parameter is required")
		return
	}
	limit := searchLimit(r)

	var filters map[string]string
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filters = map[string]string{"kind": kind}
	}

	results, err := ES.Search(ctx, ES.PostsIndex, query, []string{"caption^2", "genre", "tags"}, filters, limit)
	if errors.Is(err, ES.ErrDisabled) {
		Utils.SendErrorResponse(w, http.StatusServiceUnavailable, "Search is temporarily unavailable")
		return
	}
	if err != nil {
		log.Printf("SearchPostsHandler: failed to search posts: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to search posts")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"posts": results,
		"query": query,
		"limit": limit,
		"count": len(results),
	})
}

// IndexProfile indexes a profile in the background.
func IndexProfile(profileID, username, displayName, identity, profileImage string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc := map[string]interface{}{
			"profile_id":    profileID,
			"username":      username,
			"display_name":  displayName,
			"identity":      identity,
			"profile_image": profileImage,
		}
		if err := ES.IndexDocument(ctx, ES.ProfilesIndex, profileID, doc); err != nil {
			log.Printf("IndexProfile: failed to index profile %s: %v", profileID, err)
		}
	}()
}

// IndexPost indexes a ready post in the background.
func IndexPost(postID, kind, profileID, caption, genre string, tags []string, createdAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc := map[string]interface{}{
			"post_id":    postID,
			"kind":       kind,
			"profile_id": profileID,
			"caption":    caption,
			"genre":      genre,
			"tags":       tags,
			"created_at": createdAt.Format(time.RFC3339),
		}
		if err := ES.IndexDocument(ctx, ES.PostsIndex, postID, doc); err != nil {
			log.Printf("IndexPost: failed to index post %s: %v", postID, err)
		}
	}()
}

// RemovePost drops a post from the index in the background.
func RemovePost(postID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ES.DeleteDocument(ctx, ES.PostsIndex, postID); err != nil {
			log.Printf("RemovePost: failed to delete post %s: %v", postID, err)
		}
	}()
}

// RemoveProfile drops a profile from the index in the background.
func RemoveProfile(profileID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ES.DeleteDocument(ctx, ES.ProfilesIndex, profileID); err != nil {
			log.Printf("RemoveProfile: failed to delete profile %s: %v", profileID, err)
		}
	}()
}
