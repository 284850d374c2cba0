package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	Jobs "zuum/Events/Jobs"
	Notifications "zuum/Events/Notifications"
	Payments "zuum/Events/Payments"
	Posts "zuum/Events/Posts"
	Search "zuum/Events/Search"
	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

var notify = Notifications.Notify

// Handle sets up the routes for admin endpoints
func Handle(r chi.Router) {
	r.Use(requireAdmin)

	r.Get("/users", ListUsers)
	r.Put("/users/{uid}/deactivated", SetUserDeactivated)
	r.Delete("/posts/{postID}", DeletePost)
	r.Get("/stats", Stats)
	r.Post("/counters/resync", ResyncCounters)
	r.Get("/transactions", ListTransactions)
	r.Post("/jobs/{name}", RunJob)
}

// requireAdmin re-reads the caller's account so a demoted or deactivated
// admin loses access before their token expires.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims, ok := GetClaims(r)
		if !ok {
			Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var identity string
		var deactivated bool
		err := Mdb.DB.QueryRowContext(ctx,
			`SELECT identity, deactivated FROM users WHERE id = $1`, claims.UID,
		).Scan(&identity, &deactivated)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			} else {
				log.Printf("requireAdmin: failed to fetch user: %v", err)
				Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch user")
			}
			return
		}

		if identity != Auth.AdminRole || deactivated {
			Utils.SendErrorResponse(w, http.StatusForbidden, "Forbidden: admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserRow is one account as the admin console lists it.
type UserRow struct {
	ID                 string          `json:"id"`
	Email              string          `json:"email"`
	Username           string          `json:"username"`
	Identity           string          `json:"identity"`
	IsVerified         bool            `json:"is_verified"`
	Deactivated        bool            `json:"deactivated"`
	ProfileID          string          `json:"profile_id"`
	Followers          int             `json:"followers"`
	Following          int             `json:"following"`
	Balance            decimal.Decimal `json:"balance"`
	SubscriptionStatus string          `json:"subscription_status"`
	CreatedAt          time.Time       `json:"created_at"`
}

func parseDateFilter(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

// userFilter turns query params into WHERE conditions and their args.
func userFilter(r *http.Request) ([]string, []interface{}, []Utils.FieldError) {
	q := r.URL.Query()
	args := []interface{}{}
	argPos := 1
	conditions := []string{}
	var errs []Utils.FieldError

	// Username and email (case-insensitive partial match)
	if v := strings.TrimSpace(q.Get("username")); v != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(u.username) LIKE $%d", argPos))
		args = append(args, "%"+strings.ToLower(v)+"%")
		argPos++
	}
	if v := strings.TrimSpace(q.Get("email")); v != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(u.email) LIKE $%d", argPos))
		args = append(args, "%"+strings.ToLower(v)+"%")
		argPos++
	}

	if v := strings.TrimSpace(q.Get("identity")); v != "" {
		conditions = append(conditions, fmt.Sprintf("u.identity = $%d", argPos))
		args = append(args, strings.ToLower(v))
		argPos++
	}

	if v := q.Get("subscription_status"); v != "" {
		conditions = append(conditions, fmt.Sprintf("p.subscription_status = $%d", argPos))
		args = append(args, v)
		argPos++
	}

	for _, f := range []struct{ param, column string }{
		{"verified", "u.is_verified"},
		{"deactivated", "u.deactivated"},
	} {
		v := q.Get(f.param)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, Utils.FieldError{Field: f.param, Message: "must be true or false"})
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", f.column, argPos))
		args = append(args, b)
		argPos++
	}

	for _, f := range []struct{ param, op string }{
		{"created_after", ">="},
		{"created_before", "<="},
	} {
		v := q.Get(f.param)
		if v == "" {
			continue
		}
		t, err := parseDateFilter(v)
		if err != nil {
			errs = append(errs, Utils.FieldError{Field: f.param, Message: "must be a date (YYYY-MM-DD) or RFC3339 time"})
			continue
		}
		conditions = append(conditions, fmt.Sprintf("u.created_at %s $%d", f.op, argPos))
		args = append(args, t)
		argPos++
	}

	return conditions, args, errs
}

// ListUsers lists accounts with optional filters
// Query params: ?username=&email=&identity=&verified=&deactivated=&subscription_status=&created_after=&created_before=&limit=&offset=
func ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conditions, args, errs := userFilter(r)
	if len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}
	limit, offset := Utils.ParsePagination(r)

	query := `SELECT u.id, u.email, u.username, u.identity, u.is_verified, u.deactivated,
			COALESCE(p.id::text, ''), COALESCE(p.followers, 0), COALESCE(p.following, 0),
			COALESCE(p.balance, 0), COALESCE(p.subscription_status, ''), u.created_at,
			COUNT(*) OVER()
		FROM users u LEFT JOIN profiles p ON p.user_id = u.id`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY u.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := Mdb.DB.QueryContext(ctx, query, args...)
	if err != nil {
		log.Printf("ListUsers: failed to query users: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch users")
		return
	}
	defer rows.Close()

	users := []UserRow{}
	total := 0
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.Identity, &u.IsVerified, &u.Deactivated,
			&u.ProfileID, &u.Followers, &u.Following, &u.Balance, &u.SubscriptionStatus, &u.CreatedAt,
			&total); err != nil {
			log.Printf("ListUsers: failed to scan user: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch users")
			return
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListUsers: rows error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch users")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"users":  users,
		"limit":  limit,
		"offset": offset,
		"total":  total,
	})
}

// SetUserDeactivated suspends or restores an account. Body: {"deactivated": true}
func SetUserDeactivated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaims(r)

	uid := chi.URLParam(r, "uid")
	var req struct {
		Deactivated *bool `json:"deactivated"`
	}
	if err := Utils.DecodeJSON(r, &req); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Deactivated == nil {
		Utils.SendValidationErrors(w, []Utils.FieldError{{Field: "deactivated", Message: "is required"}})
		return
	}
	if claims != nil && claims.UID == uid && *req.Deactivated {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "You cannot deactivate your own account")
		return
	}

	var profileID, username, displayName, identity, profileImage string
	err := Mdb.DB.QueryRowContext(ctx,
		`UPDATE users u SET deactivated = $2, updated_at = NOW()
		FROM profiles p
		WHERE u.id = $1 AND p.user_id = u.id
		RETURNING p.id, p.username, p.display_name, u.identity, p.profile_image`,
		uid, *req.Deactivated,
	).Scan(&profileID, &username, &displayName, &identity, &profileImage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "User not found")
		} else {
			log.Printf("SetUserDeactivated: failed to update user: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update user")
		}
		return
	}

	if *req.Deactivated {
		Search.RemoveProfile(profileID)
	} else {
		Search.IndexProfile(profileID, username, displayName, identity, profileImage)
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"id":          uid,
		"profile_id":  profileID,
		"deactivated": *req.Deactivated,
	})
}

// DeletePost removes any post with its media, search document and children.
func DeletePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	postID := chi.URLParam(r, "postID")
	post, err := Posts.FetchPost(ctx, postID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		} else {
			log.Printf("DeletePost: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load post")
		}
		return
	}

	if err := Posts.RemovePost(ctx, post); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
			return
		}
		if errors.Is(err, Posts.ErrOpenPurchases) {
			Utils.SendErrorResponse(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("DeletePost: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to delete post")
		return
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: post.ProfileID,
		Type:               Notifications.TypeModeration,
		Message:            fmt.Sprintf("Your %s post was removed by a moderator", post.Kind),
	}); err != nil {
		log.Printf("DeletePost: failed to notify owner: %v", err)
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "Post deleted successfully"})
}

// PlatformStats is a live snapshot of platform totals.
type PlatformStats struct {
	Users               int             `json:"users"`
	VerifiedUsers       int             `json:"verified_users"`
	DeactivatedUsers    int             `json:"deactivated_users"`
	AudioPosts          int             `json:"audio_posts"`
	BeatPosts           int             `json:"beat_posts"`
	VideoPosts          int             `json:"video_posts"`
	PendingPosts        int             `json:"pending_posts"`
	Comments            int             `json:"comments"`
	Follows             int             `json:"follows"`
	Messages            int             `json:"messages"`
	ActiveSubscriptions int             `json:"active_subscriptions"`
	ActivePromotions    int             `json:"active_promotions"`
	PendingWithdrawals  int             `json:"pending_withdrawals"`
	TotalBalance        decimal.Decimal `json:"total_balance"`
	BeatSales           decimal.Decimal `json:"beat_sales"`
}

// FetchStats counts everything in one round trip.
func FetchStats(ctx context.Context) (*PlatformStats, error) {
	var s PlatformStats
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_verified),
			(SELECT COUNT(*) FROM users WHERE deactivated),
			(SELECT COUNT(*) FROM posts WHERE kind = 'audio' AND status = 'ready'),
			(SELECT COUNT(*) FROM posts WHERE kind = 'beat' AND status = 'ready'),
			(SELECT COUNT(*) FROM posts WHERE kind = 'video' AND status = 'ready'),
			(SELECT COUNT(*) FROM posts WHERE status = 'pending'),
			(SELECT COUNT(*) FROM comments),
			(SELECT COUNT(*) FROM follows WHERE active),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM profiles WHERE subscription_status = 'active'),
			(SELECT COUNT(*) FROM promotion_transactions WHERE status = 'active'),
			(SELECT COUNT(*) FROM withdrawals WHERE status = 'pending'),
			(SELECT COALESCE(SUM(balance), 0) FROM profiles),
			(SELECT COALESCE(SUM(amount), 0) FROM beat_purchases WHERE status = 'paid')`,
	).Scan(
		&s.Users, &s.VerifiedUsers, &s.DeactivatedUsers,
		&s.AudioPosts, &s.BeatPosts, &s.VideoPosts, &s.PendingPosts,
		&s.Comments, &s.Follows, &s.Messages,
		&s.ActiveSubscriptions, &s.ActivePromotions, &s.PendingWithdrawals,
		&s.TotalBalance, &s.BeatSales,
	)
	if err != nil {
		return nil, fmt.Errorf("FetchStats: %w", err)
	}
	return &s, nil
}

// Stats returns live platform totals
func Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := FetchStats(r.Context())
	if err != nil {
		log.Printf("Stats: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}
	Utils.SendSuccessResponse(w, map[string]interface{}{"stats": stats})
}

// ResyncResult reports how many rows each recount corrected.
type ResyncResult struct {
	Posts    int64 `json:"posts"`
	Profiles int64 `json:"profiles"`
}

// RecountCounters rebuilds denormalized post and follow counters from their
// source tables. Only drifted rows are written.
func RecountCounters(ctx context.Context) (*ResyncResult, error) {
	var result ResyncResult
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`WITH actual AS (
				SELECT p.id,
					(SELECT COUNT(*) FROM reactions r WHERE r.post_id = p.id AND r.liked) AS likes,
					(SELECT COUNT(*) FROM reactions r WHERE r.post_id = p.id AND r.unliked) AS unlikes,
					(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id) AS comments,
					(SELECT COUNT(*) FROM shares s WHERE s.post_id = p.id) AS shares
				FROM posts p
			)
			UPDATE posts p SET likes = a.likes, unlikes = a.unlikes, comments = a.comments, shares = a.shares
			FROM actual a
			WHERE p.id = a.id
				AND (p.likes, p.unlikes, p.comments, p.shares) IS DISTINCT FROM (a.likes, a.unlikes, a.comments, a.shares)`,
		)
		if err != nil {
			return fmt.Errorf("recount posts: %w", err)
		}
		result.Posts, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`WITH actual AS (
				SELECT pr.id,
					(SELECT COUNT(*) FROM follows f WHERE f.following_id = pr.id AND f.active) AS followers,
					(SELECT COUNT(*) FROM follows f WHERE f.follower_id = pr.id AND f.active) AS following
				FROM profiles pr
			)
			UPDATE profiles pr SET followers = a.followers, following = a.following
			FROM actual a
			WHERE pr.id = a.id AND (pr.followers, pr.following) IS DISTINCT FROM (a.followers, a.following)`,
		)
		if err != nil {
			return fmt.Errorf("recount profiles: %w", err)
		}
		result.Profiles, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("RecountCounters: %w", err)
	}
	return &result, nil
}

// ResyncCounters corrects counters that drifted from their source tables
func ResyncCounters(w http.ResponseWriter, r *http.Request) {
	result, err := RecountCounters(r.Context())
	if err != nil {
		log.Printf("ResyncCounters: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to resync counters")
		return
	}
	Utils.SendSuccessResponse(w, map[string]interface{}{
		"message":   "Counters resynced successfully",
		"corrected": result,
	})
}

// ListTransactions pages through every profile's money movements
// Query params: ?profile_id=&type=&limit=&offset=
func ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profileID := strings.TrimSpace(r.URL.Query().Get("profile_id"))
	txType := r.URL.Query().Get("type")
	if txType == Payments.TypeBeatSale && profileID == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "beat_sale requires profile_id")
		return
	}
	limit, offset := Utils.ParsePagination(r)

	entries, total, err := Payments.QueryHistory(ctx, profileID, txType, limit, offset)
	if err != nil {
		log.Printf("ListTransactions: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch transactions")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"transactions": entries,
		"limit":        limit,
		"offset":       offset,
		"total":        total,
	})
}

// RunJob triggers a reconciliation job now. {name} is a job name or "all".
func RunJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := chi.URLParam(r, "name")
	if _, ok := Jobs.Registry[name]; !ok && name != "all" {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Unknown job")
		return
	}

	results, err := Jobs.RunJob(ctx, name)
	if err != nil {
		log.Printf("RunJob: %v", err)
		Utils.SendJSONResponse(w, http.StatusInternalServerError, Utils.Response{
			Success: false,
			Error:   "Job finished with errors",
			Data:    map[string]interface{}{"changed": results},
		})
		return
	}
	Utils.SendSuccessResponse(w, map[string]interface{}{"changed": results})
}
