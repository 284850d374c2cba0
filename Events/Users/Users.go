package users

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"

	Search "zuum/Events/Search"
	Auth "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Storage "zuum/Services/Storage"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

// Handle sets up the routes for profile endpoints
func Handle(r chi.Router) {
	r.Get("/self", GetSelf)
	r.Put("/self", UpdateProfile)
	r.Delete("/self", DeactivateAccount)
	r.Get("/availability/{username}", UsernameAvailability)
	r.Get("/list", ListProfiles)
	r.Post("/image/upload", ProfileImageUpload)
	r.Get("/{ref}", GetProfile)
}

// GetSelf returns the caller's own profile including the owner-only fields
func GetSelf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := FetchProfileByID(ctx, claims.ProfileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Profile not found")
		} else {
			log.Printf("GetSelf: failed to fetch profile: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch profile")
		}
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"profile": profile})
}

// GetProfile looks a profile up by id or username
func GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	if ref == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Profile id or username is required")
		return
	}

	var profile *Profile
	var err error
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		profile, err = FetchProfileByID(ctx, ref)
	} else {
		profile, err = FetchProfileByUsername(ctx, NormalizeUsername(ref))
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			Utils.SendErrorResponse(w, http.StatusNotFound, "Profile not found")
		} else {
			log.Printf("GetProfile: failed to fetch profile: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch profile")
		}
		return
	}

	following := false
	if profile.ID != claims.ProfileID {
		err = Mdb.DB.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = $1 AND following_id = $2 AND active)`,
			claims.ProfileID, profile.ID,
		).Scan(&following)
		if err != nil {
			log.Printf("GetProfile: failed to check follow status: %v", err)
		}
	}

	if profile.ID != claims.ProfileID {
		profile = profile.Public()
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"profile":   profile,
		"following": following,
	})
}

// UpdateProfile applies a partial update to the caller's profile
func UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload struct {
		Username     *string `json:"username"`
		DisplayName  *string `json:"display_name"`
		Bio          *string `json:"bio"`
		ProfileImage *string `json:"profile_image"`
		CoverImage   *string `json:"cover_image"`
	}
	if err := Utils.DecodeJSON(r, &payload); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updates := []string{}
	args := []interface{}{}
	argPos := 1
	var fieldErrors []Utils.FieldError
	var newUsername string

	if payload.Username != nil {
		newUsername = NormalizeUsername(*payload.Username)
		if err := ValidateUsername(newUsername); err != nil {
			fieldErrors = append(fieldErrors, Utils.FieldError{Field: "username", Message: err.Error()})
		} else {
			updates = append(updates, fmt.Sprintf("username = $%d", argPos))
			args = append(args, newUsername)
			argPos++
		}
	}

	if payload.DisplayName != nil {
		name := strings.TrimSpace(*payload.DisplayName)
		if err := ValidateDisplayName(name); err != nil {
			fieldErrors = append(fieldErrors, Utils.FieldError{Field: "display_name", Message: err.Error()})
		} else {
			updates = append(updates, fmt.Sprintf("display_name = $%d", argPos))
			args = append(args, name)
			argPos++
		}
	}

	if payload.Bio != nil {
		bio := strings.TrimSpace(*payload.Bio)
		if err := ValidateBio(bio); err != nil {
			fieldErrors = append(fieldErrors, Utils.FieldError{Field: "bio", Message: err.Error()})
		} else if bio == "" {
			updates = append(updates, "bio = NULL")
		} else {
			updates = append(updates, fmt.Sprintf("bio = $%d", argPos))
			args = append(args, bio)
			argPos++
		}
	}

	if payload.ProfileImage != nil {
		updates = append(updates, fmt.Sprintf("profile_image = $%d", argPos))
		args = append(args, strings.TrimSpace(*payload.ProfileImage))
		argPos++
	}

	if payload.CoverImage != nil {
		updates = append(updates, fmt.Sprintf("cover_image = $%d", argPos))
		args = append(args, strings.TrimSpace(*payload.CoverImage))
		argPos++
	}

	if len(fieldErrors) > 0 {
		Utils.SendValidationErrors(w, fieldErrors)
		return
	}

	if len(updates) == 0 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "No fields to update")
		return
	}

	updates = append(updates, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, touch())
	argPos++
	args = append(args, claims.ProfileID)

	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		query := "UPDATE profiles SET " + strings.Join(updates, ", ") + fmt.Sprintf(" WHERE id = $%d", argPos)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if newUsername != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET username = $1, updated_at = NOW() WHERE id = $2`,
				newUsername, claims.UID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if Mdb.IsUniqueViolation(err) {
			Utils.SendErrorResponse(w, http.StatusConflict, "Username already in use")
			return
		}
		log.Printf("UpdateProfile: failed to update profile: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	updated, err := FetchProfileByID(ctx, claims.ProfileID)
	if err != nil {
		log.Printf("UpdateProfile: failed to fetch updated profile: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load updated profile")
		return
	}

	Search.IndexProfile(updated.ID, updated.Username, updated.DisplayName, updated.Identity, updated.ProfileImage)

	Utils.SendSuccessResponse(w, map[string]interface{}{"profile": updated})
}

// UsernameAvailability checks if a username is available
func UsernameAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := NormalizeUsername(chi.URLParam(r, "username"))

	if err := ValidateUsername(username); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := CheckUsernameExists(ctx, username)
	if err != nil {
		log.Printf("UsernameAvailability: failed to check username: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Error checking username availability")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"available": !exists,
		"username":  username,
	})
}

// ListProfiles lists active profiles in a stable shuffled order
// Query params: ?limit=20&offset=0&seed=abc
func ListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := Utils.ParsePagination(r)

	// Same seed, same order across pages
	seed := r.URL.Query().Get("seed")
	if seed == "" {
		seed = "zuum_profiles_shuffle"
	}

	identity := r.URL.Query().Get("identity")

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT `+ProfileColumns+` `+profileFrom+`
		WHERE u.identity != 'admin' AND NOT u.deactivated AND u.is_verified
			AND ($1 = '' OR u.identity = $1)
		ORDER BY hashtext(p.id::text || $2)
		LIMIT $3 OFFSET $4`,
		identity, seed, limit, offset,
	)
	if err != nil {
		log.Printf("ListProfiles: failed to query profiles: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch profiles")
		return
	}
	defer rows.Close()

	profiles := []*Profile{}
	ids := []string{}
	for rows.Next() {
		p, err := ScanProfile(rows)
		if err != nil {
			log.Printf("ListProfiles: failed to scan profile: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch profiles")
			return
		}
		profiles = append(profiles, p.Public())
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListProfiles: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to iterate profiles")
		return
	}

	followingMap := make(map[string]bool)
	if len(ids) > 0 {
		followRows, err := Mdb.DB.QueryContext(ctx,
			`SELECT following_id FROM follows
			WHERE follower_id = $1 AND active AND following_id = ANY($2::uuid[])`,
			claims.ProfileID, pq.Array(ids),
		)
		if err != nil {
			log.Printf("ListProfiles: failed to query following status: %v", err)
		} else {
			defer followRows.Close()
			for followRows.Next() {
				var id string
				if err := followRows.Scan(&id); err == nil {
					followingMap[id] = true
				}
			}
		}
	}

	type profileWithFollowing struct {
		Profile   *Profile `json:"profile"`
		Following bool     `json:"following"`
	}
	items := make([]profileWithFollowing, len(profiles))
	for i, p := range profiles {
		items[i] = profileWithFollowing{Profile: p, Following: followingMap[p.ID]}
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"profiles": items,
		"limit":    limit,
		"offset":   offset,
		"count":    len(items),
		"seed":     seed,
	})
}

// ProfileImageUpload returns a presigned URL for a profile or cover image
func ProfileImageUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload struct {
		Target string `json:"target"`
	}
	if err := Utils.DecodeJSON(r, &payload); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if payload.Target != "profile" && payload.Target != "cover" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "target must be 'profile' or 'cover'")
		return
	}

	key := fmt.Sprintf("profiles/%s/%s-%s.jpg", claims.ProfileID, payload.Target, Utils.GenerateID(claims.ProfileID)[:16])
	uploadURL, err := Storage.Default.PresignUpload(ctx, key, 20*time.Minute)
	if err != nil {
		log.Printf("ProfileImageUpload: failed to generate presigned upload URL: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate presigned upload URL")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"upload_url": uploadURL,
		"key":        key,
		"public_url": Storage.PublicURL(key),
		"expires_in": int((20 * time.Minute).Seconds()),
	})
}

// DeactivateAccount hides the caller's profile and blocks further logins
func DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	res, err := Mdb.DB.ExecContext(ctx,
		`UPDATE users SET deactivated = TRUE, updated_at = NOW() WHERE id = $1 AND NOT deactivated`,
		claims.UID,
	)
	if err != nil {
		log.Printf("DeactivateAccount: failed to deactivate user: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to deactivate account")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Account not found")
		return
	}

	Search.RemoveProfile(claims.ProfileID)

	Utils.SendSuccessResponse(w, map[string]string{"message": "Account deactivated"})
}
