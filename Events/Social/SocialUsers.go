package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	Notifications "zuum/Events/Notifications"
	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

var notify = Notifications.Notify

func HandleUsers(req chi.Router) {
	req.Put("/follow/{profileID}", SetFollow)
	req.Post("/follow/{profileID}", followShortcut(true))
	req.Post("/unfollow/{profileID}", followShortcut(false))
	req.Get("/{profileID}/followers", ListFollowers)
	req.Get("/{profileID}/following", ListFollowing)
}

// SetFollow sets whether the caller follows profileID. Body: {"active": true}
func SetFollow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := Utils.DecodeJSON(r, &payload); err != nil || payload.Active == nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "active is required")
		return
	}
	setFollow(w, r, *payload.Active)
}

func followShortcut(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setFollow(w, r, active)
	}
}

func setFollow(w http.ResponseWriter, r *http.Request, active bool) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	target := chi.URLParam(r, "profileID")
	if target == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Profile id is required")
		return
	}
	if target == claims.ProfileID {
		Utils.SendErrorResponse(w, http.StatusBadRequest, ErrSelfFollow.Error())
		return
	}

	var exists bool
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM profiles p JOIN users u ON u.id = p.user_id WHERE p.id = $1 AND NOT u.deactivated)`,
		target,
	).Scan(&exists)
	if err != nil {
		log.Printf("SetFollow: failed to check target profile: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch profile")
		return
	}
	if !exists {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Profile not found")
		return
	}

	changed, err := ApplyFollow(ctx, claims.ProfileID, target, active)
	if err != nil {
		log.Printf("SetFollow: failed to apply follow: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update follow")
		return
	}

	if changed && active {
		if err := notify(ctx, Notifications.Input{
			RecipientProfileID: target,
			ActorProfileID:     claims.ProfileID,
			Type:               Notifications.TypeFollow,
			Message:            "%s started following you",
		}); err != nil {
			log.Printf("SetFollow: failed to notify: %v", err)
		}
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"profile_id": target,
		"following":  active,
		"changed":    changed,
	})
}

// ApplyFollow flips the follow row and both counters in one transaction.
// It reports false when the row already had the requested state.
func ApplyFollow(ctx context.Context, follower, following string, active bool) (bool, error) {
	changed := false
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if active {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO follows (follower_id, following_id, active)
				VALUES ($1, $2, TRUE)
				ON CONFLICT (follower_id, following_id)
				DO UPDATE SET active = TRUE, updated_at = NOW() WHERE NOT follows.active`,
				follower, following,
			)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE follows SET active = FALSE, updated_at = NOW()
				WHERE follower_id = $1 AND following_id = $2 AND active`,
				follower, following,
			)
		}
		if err != nil {
			return fmt.Errorf("ApplyFollow: toggle: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ApplyFollow: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		changed = true

		delta := 1
		if !active {
			delta = -1
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET followers = GREATEST(followers + $1, 0) WHERE id = $2`, delta, following); err != nil {
			return fmt.Errorf("ApplyFollow: followers counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET following = GREATEST(following + $1, 0) WHERE id = $2`, delta, follower); err != nil {
			return fmt.Errorf("ApplyFollow: following counter: %w", err)
		}
		return nil
	})
	return changed, err
}

// ListFollowers lists the active followers of a profile ("self" for the caller)
func ListFollowers(w http.ResponseWriter, r *http.Request) {
	listFollows(w, r, "ListFollowers",
		`SELECT p.id, p.username, p.display_name, p.profile_image, f.updated_at, COUNT(*) OVER()
		FROM follows f JOIN profiles p ON p.id = f.follower_id
		WHERE f.following_id = $1 AND f.active
		ORDER BY f.updated_at DESC
		LIMIT $2 OFFSET $3`)
}

// ListFollowing lists the profiles a profile follows ("self" for the caller)
func ListFollowing(w http.ResponseWriter, r *http.Request) {
	listFollows(w, r, "ListFollowing",
		`SELECT p.id, p.username, p.display_name, p.profile_image, f.updated_at, COUNT(*) OVER()
		FROM follows f JOIN profiles p ON p.id = f.following_id
		WHERE f.follower_id = $1 AND f.active
		ORDER BY f.updated_at DESC
		LIMIT $2 OFFSET $3`)
}

func listFollows(w http.ResponseWriter, r *http.Request, caller, query string) {
	ctx := r.Context()
	claims, auth := GetClaims(r)
	if !auth {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profileID := chi.URLParam(r, "profileID")
	if profileID == "self" {
		profileID = claims.ProfileID
	}
	limit, offset := Utils.ParsePagination(r)

	rows, err := Mdb.DB.QueryContext(ctx, query, profileID, limit, offset)
	if err != nil {
		log.Printf("%s: failed to query follows: %v", caller, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch follows")
		return
	}
	defer rows.Close()

	entries := []FollowEntry{}
	total := 0
	for rows.Next() {
		var e FollowEntry
		if err := rows.Scan(&e.Profile.ID, &e.Profile.Username, &e.Profile.DisplayName,
			&e.Profile.ProfileImage, &e.FollowedAt, &total); err != nil {
			log.Printf("%s: failed to scan follow: %v", caller, err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch follows")
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("%s: row iteration error: %v", caller, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch follows")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"profiles": entries,
		"limit":    limit,
		"offset":   offset,
		"total":    total,
	})
}
