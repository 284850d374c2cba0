package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	Utils "zuum/Utils"
)

const userInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

var ErrNotConfigured = errors.New("google login is not configured")

// GoogleUser is the subset of the userinfo response used to link accounts.
type GoogleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Provider exchanges an authorization code for the Google account behind it.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*GoogleUser, error)
}

var Default Provider = disabled{}

func InitOAuth() {
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	redirectURL := os.Getenv("GOOGLE_REDIRECT_URL")
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		log.Println("Warning: Google OAuth variables not set, Google login disabled")
		return
	}

	Default = &Google{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}}
	log.Printf("Google OAuth initialized! Client ID: %s", Utils.MaskSecret(clientID))
}

type Google struct {
	config *oauth2.Config
}

func (g *Google) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (g *Google) Exchange(ctx context.Context, code string) (*GoogleUser, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + token.AccessToken}
	var user GoogleUser
	if err := Utils.DoJSON(ctx, http.MethodGet, userInfoURL, headers, nil, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	if user.Email == "" {
		return nil, errors.New("google account has no email")
	}
	return &user, nil
}

type disabled struct{}

func (disabled) AuthCodeURL(string) string { return "" }

func (disabled) Exchange(context.Context, string) (*GoogleUser, error) {
	return nil, ErrNotConfigured
}
