package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	Mdb "zuum/Services/Mdb"
)

// nullStringToPtr converts sql.NullString to *string (nil if NULL, pointer to value if not)
func nullStringToPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

// Constants for validation
const (
	MinUsernameLength    = 3
	MaxUsernameLength    = 30
	MaxDisplayNameLength = 60
	MinPasswordLength    = 8
	MaxBioLength         = 1000
)

// Identities a user may register with. Admin is assigned out of band.
const (
	IdentityArtist      = "artist"
	IdentityRecordLabel = "record_label"
	IdentityProducer    = "producer"
	IdentityAdmin       = "admin"
)

var (
	// usernameRegex validates username: 3-30 chars, alphanumeric + underscores, lowercase
	usernameRegex = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)
	emailRegex    = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ProfileColumns selects a full profile from `profiles p JOIN users u`.
const ProfileColumns = `p.id, p.user_id, p.username, p.display_name, u.identity, p.bio, p.profile_image,
	p.cover_image, p.followers, p.following, p.balance, p.subscription_status,
	p.subscription_expires_at, p.transaction_id, p.created_at, p.updated_at`

const profileFrom = `FROM profiles p JOIN users u ON u.id = p.user_id`

// ScanProfile reads one row selected with ProfileColumns.
func ScanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var bio, transactionID sql.NullString
	var expiresAt sql.NullTime
	var balance decimal.Decimal
	if err := row.Scan(
		&p.ID, &p.UserID, &p.Username, &p.DisplayName, &p.Identity, &bio, &p.ProfileImage,
		&p.CoverImage, &p.Followers, &p.Following, &balance, &p.SubscriptionStatus,
		&expiresAt, &transactionID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Bio = nullStringToPtr(bio)
	p.TransactionID = nullStringToPtr(transactionID)
	p.Balance = &balance
	if expiresAt.Valid {
		t := expiresAt.Time
		p.SubscriptionExpiresAt = &t
	}
	return &p, nil
}

// FetchProfileByID loads a profile by its id.
func FetchProfileByID(ctx context.Context, profileID string) (*Profile, error) {
	p, err := ScanProfile(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+ProfileColumns+` `+profileFrom+` WHERE p.id = $1`, profileID))
	if err != nil {
		return nil, fmt.Errorf("FetchProfileByID: %w", err)
	}
	return p, nil
}

// FetchProfileByUsername loads an active profile by username.
func FetchProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	p, err := ScanProfile(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+ProfileColumns+` `+profileFrom+` WHERE p.username = $1 AND NOT u.deactivated`, username))
	if err != nil {
		return nil, fmt.Errorf("FetchProfileByUsername: %w", err)
	}
	return p, nil
}

// CreateProfileTx inserts the empty profile that accompanies a new user.
func CreateProfileTx(ctx context.Context, tx *sql.Tx, userID, username, displayName, profileImage string) (string, error) {
	var profileID string
	err := tx.QueryRowContext(ctx,
		`INSERT INTO profiles (user_id, username, display_name, profile_image)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		userID, username, displayName, profileImage,
	).Scan(&profileID)
	if err != nil {
		return "", fmt.Errorf("CreateProfileTx: %w", err)
	}
	return profileID, nil
}

// AccountColumns selects a full users row.
const AccountColumns = `id, email, username, password_hash, identity, is_verified, deactivated, google_id, created_at, updated_at`

// ScanAccount reads one row selected with AccountColumns.
func ScanAccount(row rowScanner) (*Account, error) {
	var a Account
	var googleID sql.NullString
	if err := row.Scan(
		&a.ID, &a.Email, &a.Username, &a.PasswordHash, &a.Identity,
		&a.IsVerified, &a.Deactivated, &googleID, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.GoogleID = nullStringToPtr(googleID)
	return &a, nil
}

// FetchAccountByEmail loads the users row for an email.
func FetchAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+AccountColumns+` FROM users WHERE email = $1`, NormalizeEmail(email)))
	if err != nil {
		return nil, fmt.Errorf("FetchAccountByEmail: %w", err)
	}
	return a, nil
}

// FetchAccountByLogin accepts either an email or a username.
func FetchAccountByLogin(ctx context.Context, login string) (*Account, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	a, err := ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+AccountColumns+` FROM users WHERE email = $1 OR username = $1`, login))
	if err != nil {
		return nil, fmt.Errorf("FetchAccountByLogin: %w", err)
	}
	return a, nil
}

// FetchAccountByID loads the users row by id.
func FetchAccountByID(ctx context.Context, uid string) (*Account, error) {
	a, err := ScanAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+AccountColumns+` FROM users WHERE id = $1`, uid))
	if err != nil {
		return nil, fmt.Errorf("FetchAccountByID: %w", err)
	}
	return a, nil
}

// ProfileIDForUser returns the profile id of a user.
func ProfileIDForUser(ctx context.Context, uid string) (string, error) {
	var profileID string
	err := Mdb.DB.QueryRowContext(ctx, `SELECT id FROM profiles WHERE user_id = $1`, uid).Scan(&profileID)
	if err != nil {
		return "", fmt.Errorf("ProfileIDForUser: %w", err)
	}
	return profileID, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername checks if username meets requirements (exported for use in Auth package)
func ValidateUsername(username string) error {
	username = NormalizeUsername(username)
	if username == "" {
		return errors.New("username is required")
	}
	if len(username) < MinUsernameLength || len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be between %d and %d characters", MinUsernameLength, MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username must contain only lowercase letters, numbers, and underscores")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name cannot be empty")
	}
	if len(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name must be at most %d characters", MaxDisplayNameLength)
	}
	return nil
}

// ValidateEmail requires a syntactically valid address.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return errors.New("email is required")
	}
	if len(email) > 255 {
		return errors.New("email must be less than 255 characters")
	}
	if !emailRegex.MatchString(email) {
		return errors.New("invalid email format")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > 72 {
		return errors.New("password must be at most 72 characters")
	}
	return nil
}

// ValidateIdentity accepts the self-service identities only.
func ValidateIdentity(identity string) error {
	switch identity {
	case IdentityArtist, IdentityRecordLabel, IdentityProducer:
		return nil
	}
	return errors.New("identity must be one of artist, record_label, producer")
}

func ValidateBio(bio string) error {
	if len(bio) > MaxBioLength {
		return fmt.Errorf("bio must be less than %d characters", MaxBioLength)
	}
	return nil
}

// CheckUsernameExists checks if a username is already taken (exported for use in Auth package)
func CheckUsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := Mdb.DB.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)",
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("CheckUsernameExists: %w", err)
	}
	return exists, nil
}

func CheckEmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := Mdb.DB.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)",
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("CheckEmailExists: %w", err)
	}
	return exists, nil
}

func touch() time.Time {
	return time.Now().UTC()
}
