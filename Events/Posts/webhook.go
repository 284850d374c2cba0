package posts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"

	Search "zuum/Events/Search"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

const maxMediaWebhookBody = 64 * 1024

// MediaWebhookSecret signs callbacks from the media processing worker.
// When nil, MEDIA_WEBHOOK_SECRET is read at request time.
var MediaWebhookSecret []byte

func mediaWebhookSecret() []byte {
	if MediaWebhookSecret != nil {
		return MediaWebhookSecret
	}
	return []byte(os.Getenv("MEDIA_WEBHOOK_SECRET"))
}

// MediaEvent is posted by the processing worker once a media file is transcoded.
type MediaEvent struct {
	PostID   string `json:"post_id"`
	Status   string `json:"status"`
	MediaURL string `json:"media_url"`
	CoverURL string `json:"cover_url"`
}

// MediaWebhook patches a post with the processed URLs and final status
func MediaWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMediaWebhookBody))
	if err != nil || len(body) == 0 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := Utils.VerifyHMACSHA256(mediaWebhookSecret(), body, r.Header.Get("X-Media-Signature")); err != nil {
		log.Printf("MediaWebhook: signature check failed from %s: %v", Utils.ClientIP(r), err)
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event MediaEvent
	if err := json.Unmarshal(body, &event); err != nil || event.PostID == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid media event")
		return
	}
	if event.Status != StatusReady && event.Status != StatusFailed {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "status must be 'ready' or 'failed'")
		return
	}

	res, err := Mdb.DB.ExecContext(ctx,
		`UPDATE posts SET status = $2,
			media_url = COALESCE(NULLIF($3, ''), media_url),
			cover_url = COALESCE(NULLIF($4, ''), cover_url),
			updated_at = NOW()
		WHERE id = $1`,
		event.PostID, event.Status, event.MediaURL, event.CoverURL,
	)
	if err != nil {
		log.Printf("MediaWebhook: failed to update post %s: %v", event.PostID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update post")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	}

	if event.Status == StatusReady {
		post, err := FetchPost(ctx, event.PostID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("MediaWebhook: failed to reload post %s: %v", event.PostID, err)
		} else if err == nil {
			Search.IndexPost(post.ID, string(post.Kind), post.ProfileID, post.Caption, post.Genre, post.Tags, post.CreatedAt)
		}
	} else {
		Search.RemovePost(event.PostID)
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"post_id": event.PostID,
		"status":  event.Status,
	})
}
