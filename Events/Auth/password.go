package auth

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	Users "zuum/Events/Users"
	AuthService "zuum/Services/Auth"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

// ForgotPassword emails a reset code when the account exists. Always 200.
func ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input struct {
		Email string `json:"email"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
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
		log.Printf("ForgotPassword: failed to fetch user: %v", err)
	case account.Deactivated:
	default:
		if err := issueOTP(ctx, email, PurposeReset); err != nil {
			log.Printf("ForgotPassword: %v", err)
		}
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "If the account exists, a reset code has been sent"})
}

// ResetPassword sets a new password using an emailed reset code.
// Body: {"email": "...", "otp": "123456", "new_password": "..."}
func ResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input struct {
		Email       string `json:"email"`
		OTP         string `json:"otp"`
		NewPassword string `json:"new_password"`
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
	if err := Users.ValidatePassword(input.NewPassword); err != nil {
		Utils.SendValidationErrors(w, []Utils.FieldError{{Field: "new_password", Message: err.Error()}})
		return
	}

	if err := consumeOTP(ctx, email, PurposeReset, strings.TrimSpace(input.OTP)); err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("ResetPassword: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to verify code")
		return
	}

	hash, err := AuthService.HashPassword(input.NewPassword)
	if err != nil {
		log.Printf("ResetPassword: failed to hash password: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to process password")
		return
	}

	// A reset code proves ownership of the mailbox, so it also verifies the email.
	res, err := Mdb.DB.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, is_verified = TRUE, updated_at = NOW() WHERE email = $1`,
		email, hash,
	)
	if err != nil {
		log.Printf("ResetPassword: failed to update password: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to reset password")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		Utils.SendErrorResponse(w, http.StatusNotFound, "account not found")
		return
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "Password updated"})
}

// ChangePassword replaces the caller's password. Body: {"old_password": "...", "new_password": "..."}
func ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := Users.ValidatePassword(input.NewPassword); err != nil {
		Utils.SendValidationErrors(w, []Utils.FieldError{{Field: "new_password", Message: err.Error()}})
		return
	}

	account, err := Users.FetchAccountByID(ctx, claims.UID)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		log.Printf("ChangePassword: failed to fetch user: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to change password")
		return
	}
	// Google-only accounts have no password yet and may set one directly.
	if account.PasswordHash != "" && !AuthService.CheckPasswordHash(input.OldPassword, account.PasswordHash) {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := AuthService.HashPassword(input.NewPassword)
	if err != nil {
		log.Printf("ChangePassword: failed to hash password: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to process password")
		return
	}
	if _, err := Mdb.DB.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		account.ID, hash,
	); err != nil {
		log.Printf("ChangePassword: failed to update password: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	Utils.SendSuccessResponse(w, map[string]string{"message": "Password updated"})
}
