package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Realtime "zuum/Services/Realtime"
	Utils "zuum/Utils"
)

// Notification types
const (
	TypeLike         = "like"
	TypeComment      = "comment"
	TypeShare        = "share"
	TypeFollow       = "follow"
	TypePurchase     = "purchase"
	TypePayment      = "payment"
	TypeSubscription = "subscription"
	TypePromotion    = "promotion"
	TypeWithdrawal   = "withdrawal"
	TypeModeration   = "moderation"
)

type Notification struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	ActorProfileID *string   `json:"actor_profile_id,omitempty"`
	ActorUsername  *string   `json:"actor_username,omitempty"`
	ActorImage     *string   `json:"actor_image,omitempty"`
	Type           string    `json:"type"`
	PostID         *string   `json:"post_id,omitempty"`
	PostKind       *string   `json:"post_kind,omitempty"`
	Message        string    `json:"message"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Input describes a notification to create. ActorProfileID is empty for system events.
// Message may hold one %s, replaced with the actor's username.
type Input struct {
	RecipientProfileID string
	ActorProfileID     string
	Type               string
	PostID             string
	PostKind           string
	Message            string
}

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

// Handle sets up the routes for notification endpoints
func Handle(r chi.Router) {
	r.Get("/", List)
	r.Get("/unread-count", UnreadCount)
	r.Put("/read", MarkAllRead)
	r.Put("/{id}/read", MarkRead)
	r.Delete("/{id}", Delete)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Notify stores a notification and pushes it to the recipient's sockets.
// Actions on one's own content are not notified.
func Notify(ctx context.Context, in Input) error {
	if in.RecipientProfileID == "" || in.RecipientProfileID == in.ActorProfileID {
		return nil
	}

	n := Notification{
		Type:    in.Type,
		Message: in.Message,
	}
	if in.ActorProfileID != "" {
		n.ActorProfileID = &in.ActorProfileID
	}
	if in.PostID != "" {
		n.PostID = &in.PostID
		n.PostKind = &in.PostKind
	}

	err := Mdb.DB.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, actor_profile_id, type, post_id, post_kind, message)
		SELECT r.user_id, $2, $3, $4, $5, format($6, COALESCE(a.username, 'Someone'))
		FROM profiles r LEFT JOIN profiles a ON a.id = $2
		WHERE r.id = $1
		RETURNING id, user_id, message, created_at`,
		in.RecipientProfileID, nullable(in.ActorProfileID), in.Type, nullable(in.PostID), nullable(in.PostKind), in.Message,
	).Scan(&n.ID, &n.UserID, &n.Message, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("Notify: %w", err)
	}

	Realtime.Default.Emit(in.RecipientProfileID, "notification", n)
	return nil
}

// List returns the caller's notifications, newest first
// Query params: ?limit=20&offset=0&unread=true
func List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := Utils.ParsePagination(r)
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT n.id, n.user_id, n.actor_profile_id, p.username, p.profile_image, n.type,
			n.post_id, n.post_kind, n.message, n.is_read, n.created_at, COUNT(*) OVER() AS total
		FROM notifications n
		LEFT JOIN profiles p ON p.id = n.actor_profile_id
		WHERE n.user_id = $1 AND ($2 = FALSE OR NOT n.is_read)
		ORDER BY n.created_at DESC
		LIMIT $3 OFFSET $4`,
		claims.UID, unreadOnly, limit, offset,
	)
	if err != nil {
		log.Printf("List: failed to query notifications: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch notifications")
		return
	}
	defer rows.Close()

	items := []Notification{}
	total := 0
	for rows.Next() {
		var n Notification
		var actorID, actorUsername, actorImage, postID, postKind sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &actorID, &actorUsername, &actorImage, &n.Type,
			&postID, &postKind, &n.Message, &n.IsRead, &n.CreatedAt, &total); err != nil {
			log.Printf("List: failed to scan notification: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch notifications")
			return
		}
		n.ActorProfileID = nullString(actorID)
		n.ActorUsername = nullString(actorUsername)
		n.ActorImage = nullString(actorImage)
		n.PostID = nullString(postID)
		n.PostKind = nullString(postKind)
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		log.Printf("List: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch notifications")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"notifications": items,
		"limit":         limit,
		"offset":        offset,
		"total":         total,
	})
}

func nullString(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

// UnreadCount returns the number of unread notifications
func UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var count int
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`,
		claims.UID,
	).Scan(&count)
	if err != nil {
		log.Printf("UnreadCount: failed to count notifications: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to count notifications")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"unread": count})
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid notification id")
	}
	return id, nil
}

// MarkRead marks one of the caller's notifications as read
func MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id, err := parseID(r)
	if err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := Mdb.DB.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, claims.UID,
	)
	if err != nil {
		log.Printf("MarkRead: failed to update notification: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update notification")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Notification not found")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"id": id, "is_read": true})
}

// MarkAllRead marks every unread notification of the caller as read
func MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	res, err := Mdb.DB.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`,
		claims.UID,
	)
	if err != nil {
		log.Printf("MarkAllRead: failed to update notifications: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update notifications")
		return
	}
	updated, _ := res.RowsAffected()

	Utils.SendSuccessResponse(w, map[string]interface{}{"updated": updated})
}

// Delete removes one of the caller's notifications
func Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id, err := parseID(r)
	if err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := Mdb.DB.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`,
		id, claims.UID,
	)
	if err != nil {
		log.Printf("Delete: failed to delete notification: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to delete notification")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Notification not found")
		return
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "Notification deleted"})
}
