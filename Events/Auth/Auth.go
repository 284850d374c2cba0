package auth

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	Search "zuum/Events/Search"
	Users "zuum/Events/Users"
	AuthService "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*AuthService.Token, bool) = AuthService.GetClaims

// Handle sets up the routes for authentication endpoints
func Handle(r chi.Router) {
	limiter := Utils.NewIPRateLimiter(Utils.GetEnvAsInt("AUTH_RATE_PER_MINUTE", 20), 5)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/register", Register)
		r.Post("/login", Login)
		r.Post("/verify-email", VerifyEmail)
		r.Post("/resend-otp", ResendOTP)
		r.Post("/forgot-password", ForgotPassword)
		r.Post("/reset-password", ResetPassword)
	})
	r.Put("/password", ChangePassword)
	r.Get("/google", GoogleLogin)
	r.Get("/google/callback", GoogleCallback)
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaims(r)
		if !ok {
			Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !claims.IsAdmin() {
			Utils.SendErrorResponse(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Identity    string `json:"identity"`
}

func (in *RegisterRequest) validate() []Utils.FieldError {
	var errs []Utils.FieldError
	if err := Users.ValidateEmail(in.Email); err != nil {
		errs = append(errs, Utils.FieldError{Field: "email", Message: err.Error()})
	}
	if err := Users.ValidateUsername(in.Username); err != nil {
		errs = append(errs, Utils.FieldError{Field: "username", Message: err.Error()})
	}
	if in.DisplayName != "" {
		if err := Users.ValidateDisplayName(in.DisplayName); err != nil {
			errs = append(errs, Utils.FieldError{Field: "display_name", Message: err.Error()})
		}
	}
	if err := Users.ValidatePassword(in.Password); err != nil {
		errs = append(errs, Utils.FieldError{Field: "password", Message: err.Error()})
	}
	if err := Users.ValidateIdentity(in.Identity); err != nil {
		errs = append(errs, Utils.FieldError{Field: "identity", Message: err.Error()})
	}
	return errs
}

// Register creates an unverified account with its profile and emails a verification code
func Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input RegisterRequest
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input.Identity = strings.ToLower(strings.TrimSpace(input.Identity))
	if errs := input.validate(); len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}

	email := Users.NormalizeEmail(input.Email)
	username := Users.NormalizeUsername(input.Username)
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = username
	}

	exists, err := Users.CheckEmailExists(ctx, email)
	if err != nil {
		log.Printf("Register: failed to check email: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to check email availability")
		return
	}
	if exists {
		Utils.SendErrorResponse(w, http.StatusConflict, "email already in use")
		return
	}
	exists, err = Users.CheckUsernameExists(ctx, username)
	if err != nil {
		log.Printf("Register: failed to check username: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to check username availability")
		return
	}
	if exists {
		Utils.SendErrorResponse(w, http.StatusConflict, "username already in use")
		return
	}

	passwordHash, err := AuthService.HashPassword(input.Password)
	if err != nil {
		log.Printf("Register: failed to hash password: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to process password")
		return
	}

	var userID, profileID string
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO users (email, username, password_hash, identity)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			email, username, passwordHash, input.Identity,
		).Scan(&userID); err != nil {
			return err
		}
		profileID, err = Users.CreateProfileTx(ctx, tx, userID, username, displayName, "")
		return err
	})
	if Mdb.IsUniqueViolation(err) {
		Utils.SendErrorResponse(w, http.StatusConflict, "email or username already in use")
		return
	}
	if err != nil {
		log.Printf("Register: failed to create user: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	if err := issueOTP(ctx, email, PurposeVerify); err != nil {
		log.Printf("Register: failed to issue otp: %v", err)
	}
	Search.IndexProfile(profileID, username, displayName, input.Identity, "")

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"message": "Account created. Check your email for the verification code.",
		"user": map[string]interface{}{
			"id":         userID,
			"profile_id": profileID,
			"email":      email,
			"username":   username,
			"identity":   input.Identity,
		},
	})
}

// sendSession issues a token for account and writes the login response.
func sendSession(w http.ResponseWriter, r *http.Request, caller string, account *Users.Account) {
	profileID, err := Users.ProfileIDForUser(r.Context(), account.ID)
	if err != nil {
		log.Printf("%s: failed to load profile: %v", caller, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	token, err := AuthService.GenerateToken(account.ID, profileID, account.Identity)
	if err != nil {
		log.Printf("%s: failed to generate token: %v", caller, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to generate authentication token")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"token":      token,
		"expires_in": int(AuthService.TokenValidity.Seconds()),
		"user": map[string]interface{}{
			"id":          account.ID,
			"profile_id":  profileID,
			"email":       account.Email,
			"username":    account.Username,
			"identity":    account.Identity,
			"is_verified": account.IsVerified,
		},
	})
}

// LoginRequest represents the login request payload. Login is an email or a username.
type LoginRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a user and returns a JWT token
func Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input LoginRequest
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	login := input.Login
	if login == "" {
		login = input.Email
	}
	if login == "" {
		login = input.Username
	}
	if strings.TrimSpace(login) == "" || input.Password == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "login and password are required")
		return
	}

	account, err := Users.FetchAccountByLogin(ctx, login)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		log.Printf("Login: failed to fetch user: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	if account.PasswordHash == "" || !AuthService.CheckPasswordHash(input.Password, account.PasswordHash) {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if account.Deactivated {
		Utils.SendErrorResponse(w, http.StatusForbidden, "account is deactivated")
		return
	}
	if !account.IsVerified {
		Utils.SendErrorResponse(w, http.StatusForbidden, "email is not verified")
		return
	}

	sendSession(w, r, "Login", account)
}

// VerifyEmail checks the emailed code, marks the account verified and logs it in.
// Body: {"email": "...", "otp": "123456"}
func VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := Users.NormalizeEmail(input.Email)
	if email == "" || strings.TrimSpace(input.OTP) == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "email and otp are required")
		return
	}

	if err := consumeOTP(ctx, email, PurposeVerify, strings.TrimSpace(input.OTP)); err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("VerifyEmail: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to verify code")
		return
	}

	account, err := Users.ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`UPDATE users SET is_verified = TRUE, updated_at = NOW() WHERE email = $1
		RETURNING `+Users.AccountColumns,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		log.Printf("VerifyEmail: failed to mark verified: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to verify account")
		return
	}

	sendSession(w, r, "VerifyEmail", account)
}

// ResendOTP issues a new code. Body: {"email": "...", "purpose": "verify|reset"}
// The response never reveals whether the email is registered.
func ResendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Purpose == "" {
		input.Purpose = PurposeVerify
	}
	if !validPurpose(input.Purpose) {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "purpose must be 'verify' or 'reset'")
		return
	}
	email := Users.NormalizeEmail(input.Email)
	if err := Users.ValidateEmail(email); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := Users.FetchAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		log.Printf("ResendOTP: failed to fetch user: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to send code")
		return
	case input.Purpose == PurposeVerify && account.IsVerified:
		Utils.SendErrorResponse(w, http.StatusBadRequest, "email is already verified")
		return
	default:
		if err := issueOTP(ctx, email, input.Purpose); err != nil {
			log.Printf("ResendOTP: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to send code")
			return
		}
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "If the account exists, a code has been sent"})
}
