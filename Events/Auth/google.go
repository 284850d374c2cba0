package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	Search "zuum/Events/Search"
	Users "zuum/Events/Users"
	Mdb "zuum/Services/Mdb"
	OAuth "zuum/Services/OAuth"
	Utils "zuum/Utils"
)

const stateCookie = "zuum_oauth_state"

// GoogleLogin redirects to Google's consent screen with a state cookie.
func GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := Utils.GenerateID(Utils.ClientIP(r))[:32]
	url := OAuth.Default.AuthCodeURL(state)
	if url == "" {
		Utils.SendErrorResponse(w, http.StatusServiceUnavailable, OAuth.ErrNotConfigured.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// GoogleCallback exchanges the code, links or creates the account and logs it in.
func GoogleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(stateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	guser, err := OAuth.Default.Exchange(ctx, code)
	if errors.Is(err, OAuth.ErrNotConfigured) {
		Utils.SendErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		log.Printf("GoogleCallback: %v", err)
		Utils.SendErrorResponse(w, http.StatusBadGateway, "failed to sign in with google")
		return
	}

	account, err := linkGoogleAccount(ctx, guser)
	if err != nil {
		log.Printf("GoogleCallback: failed to link account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to sign in with google")
		return
	}
	if account.Deactivated {
		Utils.SendErrorResponse(w, http.StatusForbidden, "account is deactivated")
		return
	}

	sendSession(w, r, "GoogleCallback", account)
}

// linkGoogleAccount finds the account by google id, then by email, and creates
// a verified one when neither exists.
func linkGoogleAccount(ctx context.Context, guser *OAuth.GoogleUser) (*Users.Account, error) {
	account, err := Users.ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+Users.AccountColumns+` FROM users WHERE google_id = $1`, guser.ID))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	email := Users.NormalizeEmail(guser.Email)
	account, err = Users.ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`UPDATE users SET google_id = $2, is_verified = is_verified OR $3, updated_at = NOW()
		WHERE email = $1
		RETURNING `+Users.AccountColumns,
		email, guser.ID, guser.VerifiedEmail,
	))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	username, err := availableUsername(ctx, email)
	if err != nil {
		return nil, err
	}
	displayName := strings.TrimSpace(guser.Name)
	if displayName == "" {
		displayName = username
	}

	var profileID string
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		account, err = Users.ScanAccount(tx.QueryRowContext(ctx,
			`INSERT INTO users (email, username, identity, is_verified, google_id)
			VALUES ($1, $2, $3, TRUE, $4)
			RETURNING `+Users.AccountColumns,
			email, username, Users.IdentityArtist, guser.ID,
		))
		if err != nil {
			return err
		}
		profileID, err = Users.CreateProfileTx(ctx, tx, account.ID, username, displayName, guser.Picture)
		return err
	})
	if err != nil {
		return nil, err
	}
	Search.IndexProfile(profileID, username, displayName, Users.IdentityArtist, guser.Picture)
	return account, nil
}

// availableUsername derives a free username from the local part of email.
func availableUsername(ctx context.Context, email string) (string, error) {
	local := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		local = email[:at]
	}
	var b strings.Builder
	for _, c := range strings.ToLower(local) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	base := b.String()
	if len(base) > Users.MaxUsernameLength-5 {
		base = base[:Users.MaxUsernameLength-5]
	}
	for len(base) < Users.MinUsernameLength {
		base += "_"
	}

	candidate := base
	for i := 0; i < 5; i++ {
		exists, err := Users.CheckUsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%s", base, Utils.GenerateID(email)[:4])
	}
	return "", errors.New("could not find a free username")
}
