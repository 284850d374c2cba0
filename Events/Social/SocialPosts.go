package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	Notifications "zuum/Events/Notifications"
	Mdb "zuum/Services/Mdb"
	Realtime "zuum/Services/Realtime"
	Utils "zuum/Utils"
)

const InsightEvent = "receiveInsight"

var ErrPostNotFound = errors.New("post not found")

func HandlePosts(req chi.Router) {
	req.Put("/posts/{postID}/reaction", React)
	req.Get("/posts/{postID}/reactions", ListReactions)
	req.Post("/posts/{postID}/comments", AddComment)
	req.Get("/posts/{postID}/comments", ListComments)
	req.Delete("/comments/{commentID}", DeleteComment)
	req.Post("/posts/{postID}/shares", SharePost)
}

// Handle mounts follow and engagement routes under one router.
func Handle(req chi.Router) {
	HandleUsers(req)
	HandlePosts(req)
}

type postRef struct {
	ID      string
	Kind    string
	OwnerID string
}

// lockPost reads a ready post's owner inside tx and holds its row lock until commit.
func lockPost(ctx context.Context, tx *sql.Tx, postID string) (*postRef, error) {
	p := postRef{ID: postID}
	err := tx.QueryRowContext(ctx,
		`SELECT kind, profile_id FROM posts WHERE id = $1 AND status = 'ready' FOR UPDATE`,
		postID,
	).Scan(&p.Kind, &p.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock post: %w", err)
	}
	return &p, nil
}

const insightReturning = `RETURNING id, likes, unlikes, comments, shares, views`

func scanInsight(row *sql.Row) (*Insight, error) {
	var in Insight
	if err := row.Scan(&in.PostID, &in.Likes, &in.Unlikes, &in.Comments, &in.Shares, &in.Views); err != nil {
		return nil, err
	}
	return &in, nil
}

func pushInsight(ownerID string, in *Insight) {
	if in != nil {
		Realtime.Default.Emit(ownerID, InsightEvent, in)
	}
}

// React sets the caller's like/unlike pair on a post. Body: {"like": true, "unlike": false}
func React(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	var next ReactionState
	if err := Utils.DecodeJSON(r, &next); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if next.Liked && next.Unliked {
		Utils.SendErrorResponse(w, http.StatusBadRequest, ErrReactionConflict.Error())
		return
	}

	var post *postRef
	var insight *Insight
	var newLike bool
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}

		var prev ReactionState
		err = tx.QueryRowContext(ctx,
			`SELECT liked, unliked FROM reactions WHERE post_id = $1 AND profile_id = $2 FOR UPDATE`,
			postID, claims.ProfileID,
		).Scan(&prev.Liked, &prev.Unliked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load reaction: %w", err)
		}

		likes, unlikes, err := ReactionDelta(prev, next)
		if err != nil {
			return err
		}
		newLike = likes > 0

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (post_id, profile_id, liked, unliked)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (post_id, profile_id)
			DO UPDATE SET liked = EXCLUDED.liked, unliked = EXCLUDED.unliked, updated_at = NOW()`,
			postID, claims.ProfileID, next.Liked, next.Unliked,
		); err != nil {
			return fmt.Errorf("upsert reaction: %w", err)
		}

		insight, err = scanInsight(tx.QueryRowContext(ctx,
			`UPDATE posts SET likes = GREATEST(likes + $2, 0), unlikes = GREATEST(unlikes + $3, 0)
			WHERE id = $1 `+insightReturning,
			postID, likes, unlikes,
		))
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrPostNotFound):
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	case errors.Is(err, ErrReactionUnchanged), errors.Is(err, ErrReactionConflict):
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Printf("React: failed to react to post %s: %v", postID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update reaction")
		return
	}

	if newLike {
		if err := notify(ctx, Notifications.Input{
			RecipientProfileID: post.OwnerID,
			ActorProfileID:     claims.ProfileID,
			Type:               Notifications.TypeLike,
			PostID:             post.ID,
			PostKind:           post.Kind,
			Message:            "%s liked your " + post.Kind,
		}); err != nil {
			log.Printf("React: failed to notify: %v", err)
		}
	}
	pushInsight(post.OwnerID, insight)

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"reaction": next,
		"insight":  insight,
	})
}

// ListReactions lists who reacted to a post
func ListReactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, auth := GetClaims(r); !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	limit, offset := Utils.ParsePagination(r)

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT p.id, p.username, p.display_name, p.profile_image, re.liked, re.unliked, re.updated_at, COUNT(*) OVER()
		FROM reactions re JOIN profiles p ON p.id = re.profile_id
		WHERE re.post_id = $1 AND (re.liked OR re.unliked)
		ORDER BY re.updated_at DESC
		LIMIT $2 OFFSET $3`,
		postID, limit, offset,
	)
	if err != nil {
		log.Printf("ListReactions: failed to query reactions: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch reactions")
		return
	}
	defer rows.Close()

	items := []Reaction{}
	total := 0
	for rows.Next() {
		var re Reaction
		if err := rows.Scan(&re.Profile.ID, &re.Profile.Username, &re.Profile.DisplayName, &re.Profile.ProfileImage,
			&re.Liked, &re.Unliked, &re.UpdatedAt, &total); err != nil {
			log.Printf("ListReactions: failed to scan reaction: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch reactions")
			return
		}
		items = append(items, re)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListReactions: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch reactions")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"reactions": items,
		"limit":     limit,
		"offset":    offset,
		"total":     total,
	})
}

// ValidateComment trims content and checks its length.
func ValidateComment(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("comment cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxCommentLength {
		return "", fmt.Errorf("comment cannot exceed %d characters", MaxCommentLength)
	}
	return content, nil
}

// AddComment comments on a post. Body: {"content": "..."}
func AddComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	var payload struct {
		Content string `json:"content"`
	}
	if err := Utils.DecodeJSON(r, &payload); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	content, err := ValidateComment(payload.Content)
	if err != nil {
		Utils.SendValidationErrors(w, []Utils.FieldError{{Field: "content", Message: err.Error()}})
		return
	}

	comment := Comment{
		ID:      Utils.GenerateID(claims.ProfileID + postID),
		PostID:  postID,
		Content: content,
	}
	var post *postRef
	var insight *Insight
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`WITH c AS (
				INSERT INTO comments (id, post_id, profile_id, content) VALUES ($1, $2, $3, $4)
				RETURNING created_at, profile_id
			)
			SELECT c.created_at, p.id, p.username, p.display_name, p.profile_image
			FROM c JOIN profiles p ON p.id = c.profile_id`,
			comment.ID, postID, claims.ProfileID, content,
		).Scan(&comment.CreatedAt, &comment.Author.ID, &comment.Author.Username,
			&comment.Author.DisplayName, &comment.Author.ProfileImage)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		insight, err = scanInsight(tx.QueryRowContext(ctx,
			`UPDATE posts SET comments = comments + 1 WHERE id = $1 `+insightReturning, postID))
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrPostNotFound) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	}
	if err != nil {
		log.Printf("AddComment: failed to comment on post %s: %v", postID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to add comment")
		return
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: post.OwnerID,
		ActorProfileID:     claims.ProfileID,
		Type:               Notifications.TypeComment,
		PostID:             post.ID,
		PostKind:           post.Kind,
		Message:            "%s commented on your " + post.Kind,
	}); err != nil {
		log.Printf("AddComment: failed to notify: %v", err)
	}
	pushInsight(post.OwnerID, insight)

	Utils.SendCreatedResponse(w, map[string]interface{}{"comment": comment})
}

// ListComments returns a post's comments, newest first
func ListComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, auth := GetClaims(r); !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	limit, offset := Utils.ParsePagination(r)

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT c.id, c.post_id, c.content, c.created_at, p.id, p.username, p.display_name, p.profile_image, COUNT(*) OVER()
		FROM comments c JOIN profiles p ON p.id = c.profile_id
		WHERE c.post_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3`,
		postID, limit, offset,
	)
	if err != nil {
		log.Printf("ListComments: failed to query comments: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch comments")
		return
	}
	defer rows.Close()

	items := []Comment{}
	total := 0
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.Content, &c.CreatedAt, &c.Author.ID, &c.Author.Username,
			&c.Author.DisplayName, &c.Author.ProfileImage, &total); err != nil {
			log.Printf("ListComments: failed to scan comment: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch comments")
			return
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListComments: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch comments")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"comments": items,
		"limit":    limit,
		"offset":   offset,
		"total":    total,
	})
}

// DeleteComment removes a comment. Allowed for its author and the post owner.
func DeleteComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	commentID := chi.URLParam(r, "commentID")
	var ownerID string
	var insight *Insight
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var postID string
		err := tx.QueryRowContext(ctx,
			`DELETE FROM comments c USING posts p
			WHERE c.id = $1 AND p.id = c.post_id AND (c.profile_id = $2 OR p.profile_id = $2)
			RETURNING c.post_id, p.profile_id`,
			commentID, claims.ProfileID,
		).Scan(&postID, &ownerID)
		if err != nil {
			return err
		}
		insight, err = scanInsight(tx.QueryRowContext(ctx,
			`UPDATE posts SET comments = GREATEST(comments - 1, 0) WHERE id = $1 `+insightReturning, postID))
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Comment not found")
		return
	}
	if err != nil {
		log.Printf("DeleteComment: failed to delete comment %s: %v", commentID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to delete comment")
		return
	}
	pushInsight(ownerID, insight)

	Utils.SendSuccessResponse(w, map[string]string{"message": "Comment deleted"})
}

// SharePost records a share of a post. Body: {"caption": "..."} (optional)
func SharePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	var payload struct {
		Caption string `json:"caption"`
	}
	if r.ContentLength != 0 {
		if err := Utils.DecodeJSON(r, &payload); err != nil {
			Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	payload.Caption = strings.TrimSpace(payload.Caption)
	if utf8.RuneCountInString(payload.Caption) > MaxCommentLength {
		Utils.SendValidationErrors(w, []Utils.FieldError{{Field: "caption", Message: fmt.Sprintf("caption cannot exceed %d characters", MaxCommentLength)}})
		return
	}

	share := Share{PostID: postID, ProfileID: claims.ProfileID, Caption: payload.Caption}
	var post *postRef
	var insight *Insight
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO shares (post_id, profile_id, caption) VALUES ($1, $2, $3) RETURNING id, created_at`,
			postID, claims.ProfileID, share.Caption,
		).Scan(&share.ID, &share.CreatedAt); err != nil {
			return fmt.Errorf("insert share: %w", err)
		}
		insight, err = scanInsight(tx.QueryRowContext(ctx,
			`UPDATE posts SET shares = shares + 1 WHERE id = $1 `+insightReturning, postID))
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrPostNotFound) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	}
	if err != nil {
		log.Printf("SharePost: failed to share post %s: %v", postID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to share post")
		return
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: post.OwnerID,
		ActorProfileID:     claims.ProfileID,
		Type:               Notifications.TypeShare,
		PostID:             post.ID,
		PostKind:           post.Kind,
		Message:            "%s shared your " + post.Kind,
	}); err != nil {
		log.Printf("SharePost: failed to notify: %v", err)
	}
	pushInsight(post.OwnerID, insight)

	Utils.SendCreatedResponse(w, map[string]interface{}{"share": share})
}

// RecordView counts one view of a ready post and returns the new counters with the owner id.
func RecordView(ctx context.Context, postID string) (*Insight, string, error) {
	var in Insight
	var ownerID string
	err := Mdb.DB.QueryRowContext(ctx,
		`UPDATE posts SET views = views + 1 WHERE id = $1 AND status = 'ready'
		RETURNING id, likes, unlikes, comments, shares, views, profile_id`,
		postID,
	).Scan(&in.PostID, &in.Likes, &in.Unlikes, &in.Comments, &in.Shares, &in.Views, &ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrPostNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("RecordView: %w", err)
	}
	return &in, ownerID, nil
}
