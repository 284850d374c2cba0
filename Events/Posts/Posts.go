package posts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	Search "zuum/Events/Search"
	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Storage "zuum/Services/Storage"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

// UploadURLValidity bounds how long presigned upload URLs stay usable.
var UploadURLValidity = 20 * time.Minute

type kindKey struct{}

// Handle mounts the pipeline for one kind under /posts/{kind}
func Handle(r chi.Router) {
	r.Use(requireKind)
	r.Post("/", Create)
	r.Get("/", List)
	r.Get("/feed", Feed)
	r.Get("/profile/{profileID}", ListByProfile)
	r.Get("/{postID}", Get)
	r.Put("/{postID}", Update)
	r.Delete("/{postID}", Delete)
	r.Post("/{postID}/ack", Ack)
}

func requireKind(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind, err := ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			Utils.SendErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), kindKey{}, kind)))
	})
}

func kindFrom(r *http.Request) Kind {
	if kind, ok := r.Context().Value(kindKey{}).(Kind); ok {
		return kind
	}
	kind, _ := ParseKind(chi.URLParam(r, "kind"))
	return kind
}

// FetchPost loads a post of any kind by id.
func FetchPost(ctx context.Context, postID string) (*Post, error) {
	p, err := ScanPost(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+PostColumns+` `+postFrom+` WHERE p.id = $1`, postID))
	if err != nil {
		return nil, fmt.Errorf("FetchPost: %w", err)
	}
	return p, nil
}

// fetchOwnedPost loads a post of kind and checks the caller owns it.
func fetchOwnedPost(w http.ResponseWriter, r *http.Request, claims *Auth.Token, kind Kind, caller string) (*Post, bool) {
	postID := chi.URLParam(r, "postID")
	post, err := FetchPost(r.Context(), postID)
	if err != nil || post.Kind != kind {
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		} else {
			log.Printf("%s: failed to fetch post: %v", caller, err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch post")
		}
		return nil, false
	}
	if post.ProfileID != claims.ProfileID {
		Utils.SendErrorResponse(w, http.StatusForbidden, "Forbidden: you do not own this post")
		return nil, false
	}
	return post, true
}

// Create inserts a pending post and hands back presigned upload URLs
func Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)

	var input PostInput
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := input.Validate(kind, true); len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}

	postID := Utils.GenerateID(claims.ProfileID)
	mediaKey := kind.MediaKey(postID)
	coverKey := kind.CoverKey(postID)

	description, genre := "", ""
	if input.Description != nil {
		description = strings.TrimSpace(*input.Description)
	}
	if input.Genre != nil {
		genre = strings.TrimSpace(*input.Genre)
	}
	var price interface{}
	if input.Price != nil {
		price = input.Price.StringFixed(2)
	}

	_, err := Mdb.DB.ExecContext(ctx,
		`INSERT INTO posts (id, kind, profile_id, caption, description, genre, tags, media_key, cover_key, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		postID, string(kind), claims.ProfileID, strings.TrimSpace(*input.Caption), description, genre,
		pq.Array(normalizeTags(input.Tags)), mediaKey, coverKey, price,
	)
	if err != nil {
		log.Printf("Create: failed to insert %s post: %v", kind, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to create post")
		return
	}

	mediaUploadURL, err := Storage.Default.PresignUpload(ctx, mediaKey, UploadURLValidity)
	if err != nil {
		log.Printf("Create: failed to generate presigned upload URL: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate presigned upload URL")
		return
	}
	coverUploadURL, err := Storage.Default.PresignUpload(ctx, coverKey, UploadURLValidity)
	if err != nil {
		log.Printf("Create: failed to generate presigned upload URL for cover: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate presigned upload URL for cover")
		return
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"post_id":          postID,
		"kind":             kind,
		"status":           StatusPending,
		"media_upload_url": mediaUploadURL,
		"cover_upload_url": coverUploadURL,
		"expires_in":       int(UploadURLValidity.Seconds()),
	})
}

// Ack is called by the owner once both uploads finished
func Ack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)

	post, ok := fetchOwnedPost(w, r, claims, kind, "Ack")
	if !ok {
		return
	}
	if post.Status == StatusReady {
		Utils.SendSuccessResponse(w, map[string]interface{}{"post": post})
		return
	}

	mediaExists, err := Storage.Default.Exists(ctx, post.MediaKey)
	if err != nil || !mediaExists {
		log.Printf("Ack: media file not found for %s: %v", post.ID, err)
		Utils.SendErrorResponse(w, http.StatusNotFound, "Media file not found")
		return
	}
	coverExists, err := Storage.Default.Exists(ctx, post.CoverKey)
	if err != nil || !coverExists {
		log.Printf("Ack: cover file not found for %s: %v", post.ID, err)
		Utils.SendErrorResponse(w, http.StatusNotFound, "Cover file not found")
		return
	}

	mediaURL := Storage.PublicURL(post.MediaKey)
	coverURL := Storage.PublicURL(post.CoverKey)
	_, err = Mdb.DB.ExecContext(ctx,
		`UPDATE posts SET status = 'ready', media_url = $2, cover_url = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'ready'`,
		post.ID, mediaURL, coverURL,
	)
	if err != nil {
		log.Printf("Ack: failed to mark post ready: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update post")
		return
	}

	post.Status = StatusReady
	post.MediaURL = mediaURL
	post.CoverURL = coverURL
	Search.IndexPost(post.ID, string(post.Kind), post.ProfileID, post.Caption, post.Genre, post.Tags, post.CreatedAt)

	Utils.SendSuccessResponse(w, map[string]interface{}{"post": post})
}

// Update applies a partial update to one of the caller's posts
func Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)

	var input PostInput
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := input.Validate(kind, false); len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}

	post, ok := fetchOwnedPost(w, r, claims, kind, "Update")
	if !ok {
		return
	}

	updates := []string{}
	args := []interface{}{}
	argPos := 1
	add := func(column string, value interface{}) {
		updates = append(updates, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}
	if input.Caption != nil {
		add("caption", strings.TrimSpace(*input.Caption))
	}
	if input.Description != nil {
		add("description", strings.TrimSpace(*input.Description))
	}
	if input.Genre != nil {
		add("genre", strings.TrimSpace(*input.Genre))
	}
	if input.Tags != nil {
		add("tags", pq.Array(normalizeTags(input.Tags)))
	}
	if input.Price != nil {
		add("price", input.Price.StringFixed(2))
	}
	if len(updates) == 0 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "No fields to update")
		return
	}

	updates = append(updates, "updated_at = NOW()")
	args = append(args, post.ID)
	query := "UPDATE posts SET " + strings.Join(updates, ", ") + fmt.Sprintf(" WHERE id = $%d", argPos)
	if _, err := Mdb.DB.ExecContext(ctx, query, args...); err != nil {
		log.Printf("Update: failed to update post: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update post")
		return
	}

	updated, err := FetchPost(ctx, post.ID)
	if err != nil {
		log.Printf("Update: failed to fetch updated post: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load updated post")
		return
	}
	if updated.Status == StatusReady {
		Search.IndexPost(updated.ID, string(updated.Kind), updated.ProfileID, updated.Caption, updated.Genre, updated.Tags, updated.CreatedAt)
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"post": updated})
}

// Delete removes one of the caller's posts
func Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)

	post, ok := fetchOwnedPost(w, r, claims, kind, "Delete")
	if !ok {
		return
	}

	if err := RemovePost(ctx, post); err != nil {
		switch {
		case errors.Is(err, ErrOpenPurchases):
			Utils.SendErrorResponse(w, http.StatusConflict, err.Error())
		case errors.Is(err, sql.ErrNoRows):
			Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		default:
			log.Printf("Delete: failed to delete post: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to delete post")
		}
		return
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "Post deleted successfully"})
}

// RemovePost deletes the row (children cascade), its objects and its search
// document. A beat with a purchase still awaiting payment or delivery is kept.
func RemovePost(ctx context.Context, post *Post) error {
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, "SELECT id FROM posts WHERE id = $1 FOR UPDATE", post.ID).Scan(&id); err != nil {
			return err
		}

		var open bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM beat_purchases WHERE post_id = $1
				AND (status = 'pending' OR (status = 'paid' AND delivered_at IS NULL)))`,
			post.ID,
		).Scan(&open); err != nil {
			return fmt.Errorf("check purchases: %w", err)
		}
		if open {
			return ErrOpenPurchases
		}

		_, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE id = $1", post.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("RemovePost: %w", err)
	}

	for _, key := range []string{post.MediaKey, post.CoverKey} {
		if err := Storage.Default.Delete(ctx, key); err != nil {
			log.Printf("RemovePost: failed to delete object %s: %v", key, err)
		}
	}
	Search.RemovePost(post.ID)
	return nil
}

// Get returns one post. Posts still uploading are visible to their owner only.
func Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)

	post, err := FetchPost(ctx, chi.URLParam(r, "postID"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		} else {
			log.Printf("Get: failed to fetch post: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch post")
		}
		return
	}
	if post.Kind != kind || (post.Status != StatusReady && post.ProfileID != claims.ProfileID) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	}

	var liked, unliked bool
	err = Mdb.DB.QueryRowContext(ctx,
		`SELECT liked, unliked FROM reactions WHERE post_id = $1 AND profile_id = $2`,
		post.ID, claims.ProfileID,
	).Scan(&liked, &unliked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("Get: failed to fetch reaction: %v", err)
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"post":    post,
		"liked":   liked,
		"unliked": unliked,
	})
}

// queryPosts runs a paginated post query. where must use $1.. for args;
// limit and offset are appended.
func queryPosts(ctx context.Context, where string, orderBy string, args []interface{}, limit, offset int) ([]*Post, int, error) {
	n := len(args)
	query := `SELECT ` + PostColumns + `, COUNT(*) OVER() AS total ` + postFrom + `
		WHERE ` + where + `
		ORDER BY ` + orderBy + `
		LIMIT $` + fmt.Sprint(n+1) + ` OFFSET $` + fmt.Sprint(n+2)
	args = append(args, limit, offset)

	rows, err := Mdb.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("queryPosts: %w", err)
	}
	defer rows.Close()

	items := []*Post{}
	total := 0
	for rows.Next() {
		var p *Post
		p, err = ScanPost(scanWithTotal{rows: rows, total: &total})
		if err != nil {
			return nil, 0, fmt.Errorf("queryPosts: scan: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("queryPosts: rows: %w", err)
	}
	return items, total, nil
}

// scanWithTotal appends the window COUNT(*) column to a post scan.
type scanWithTotal struct {
	rows  *sql.Rows
	total *int
}

func (s scanWithTotal) Scan(dest ...interface{}) error {
	return s.rows.Scan(append(dest, s.total)...)
}

const promotedFirst = `(p.promoted_until IS NOT NULL AND p.promoted_until > NOW()) DESC, p.created_at DESC`

func sendPostPage(w http.ResponseWriter, caller string, items []*Post, total, limit, offset int, err error) {
	if err != nil {
		log.Printf("%s: failed to list posts: %v", caller, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch posts")
		return
	}
	Utils.SendSuccessResponse(w, map[string]interface{}{
		"posts":  items,
		"limit":  limit,
		"offset": offset,
		"total":  total,
	})
}

// List returns ready posts of the kind, promoted posts first
// Query params: ?limit=20&offset=0&genre=afrobeats
func List(w http.ResponseWriter, r *http.Request) {
	if _, auth := GetClaims(r); !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)
	limit, offset := Utils.ParsePagination(r)
	genre := strings.TrimSpace(r.URL.Query().Get("genre"))

	items, total, err := queryPosts(r.Context(),
		`p.kind = $1 AND p.status = 'ready' AND ($2 = '' OR lower(p.genre) = lower($2))`,
		promotedFirst, []interface{}{string(kind), genre}, limit, offset)
	sendPostPage(w, "List", items, total, limit, offset, err)
}

// ListByProfile returns one profile's posts of the kind. Owners also see pending ones.
func ListByProfile(w http.ResponseWriter, r *http.Request) {
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)
	limit, offset := Utils.ParsePagination(r)

	profileID := chi.URLParam(r, "profileID")
	if profileID == "self" {
		profileID = claims.ProfileID
	}
	includePending := profileID == claims.ProfileID

	items, total, err := queryPosts(r.Context(),
		`p.kind = $1 AND p.profile_id = $2 AND ($3 OR p.status = 'ready')`,
		`p.created_at DESC`, []interface{}{string(kind), profileID, includePending}, limit, offset)
	sendPostPage(w, "ListByProfile", items, total, limit, offset, err)
}

// Feed returns ready posts of the kind from profiles the caller follows
func Feed(w http.ResponseWriter, r *http.Request) {
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	kind := kindFrom(r)
	limit, offset := Utils.ParsePagination(r)

	items, total, err := queryPosts(r.Context(),
		`p.kind = $1 AND p.status = 'ready' AND p.profile_id IN (
			SELECT following_id FROM follows WHERE follower_id = $2 AND active)`,
		`p.created_at DESC`, []interface{}{string(kind), claims.ProfileID}, limit, offset)
	sendPostPage(w, "Feed", items, total, limit, offset, err)
}
