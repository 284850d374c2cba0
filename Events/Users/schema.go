package users

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is the public face of a user; exactly one per user.
type Profile struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"user_id"`
	Username              string           `json:"username"`
	DisplayName           string           `json:"display_name"`
	Identity              string           `json:"identity"`
	Bio                   *string          `json:"bio,omitempty"`
	ProfileImage          string           `json:"profile_image"`
	CoverImage            string           `json:"cover_image"`
	Followers             int              `json:"followers"`
	Following             int              `json:"following"`
	Balance               *decimal.Decimal `json:"balance,omitempty"`
	SubscriptionStatus    string           `json:"subscription_status,omitempty"`
	SubscriptionExpiresAt *time.Time       `json:"subscription_expires_at,omitempty"`
	TransactionID         *string          `json:"transaction_id,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Public strips the owner-only fields.
func (p *Profile) Public() *Profile {
	public := *p
	public.Balance = nil
	public.SubscriptionStatus = ""
	public.SubscriptionExpiresAt = nil
	public.TransactionID = nil
	return &public
}

// Account is the login record behind a profile.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Identity     string    `json:"identity"`
	IsVerified   bool      `json:"is_verified"`
	Deactivated  bool      `json:"deactivated"`
	GoogleID     *string   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
