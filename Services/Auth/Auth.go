package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const AdminRole = "admin"

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	UID       string `json:"uid"`
	ProfileID string `json:"profile_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

var (
	JWTSecret     []byte
	TokenValidity = 24 * time.Hour // Token expires in 24 hours
)

// Initauth initializes the JWT authentication system
func Initauth() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		// Generate a random secret if not provided (for development only)
		log.Println("Warning: JWT_SECRET not set, generating random secret (not recommended for production)")
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			log.Fatalf("Failed to generate JWT secret: %v", err)
		}
		secret = base64.URLEncoding.EncodeToString(secretBytes)
	}
	JWTSecret = []byte(secret)

	// Set token validity from env if provided
	if validityStr := os.Getenv("JWT_TOKEN_VALIDITY_HOURS"); validityStr != "" {
		if hours, err := time.ParseDuration(validityStr + "h"); err == nil {
			TokenValidity = hours
		}
	}
}

// GenerateToken creates a new JWT token for a user and their profile
func GenerateToken(uid, profileID, role string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UID:       uid,
		ProfileID: profileID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenValidity)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "zuum-backend",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(JWTSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses a JWT token
func VerifyToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return JWTSecret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// Token is the authenticated caller attached to a request
type Token struct {
	UID       string
	ProfileID string
	Role      string
}

func (t *Token) IsAdmin() bool {
	return t != nil && t.Role == AdminRole
}

// GetClaims extracts and verifies the JWT from the Authorization header
func GetClaims(r *http.Request) (*Token, bool) {
	return claimsFromString(GetAuthToken(r))
}

// GetSocketClaims accepts the token from ?token= since browsers cannot set
// headers on WebSocket upgrades.
func GetSocketClaims(r *http.Request) (*Token, bool) {
	return claimsFromString(GetSocketToken(r))
}

func claimsFromString(tokenString string) (*Token, bool) {
	if tokenString == "" {
		return nil, false
	}

	claims, err := VerifyToken(tokenString)
	if err != nil {
		return nil, false
	}

	return &Token{UID: claims.UID, ProfileID: claims.ProfileID, Role: claims.Role}, true
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a password with a hash
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateOTP returns a numeric code of the given length
func GenerateOTP(length int) (string, error) {
	otp := make([]byte, length)
	for i := range otp {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		otp[i] = byte(n.Int64()) + '0'
	}
	return string(otp), nil
}

// OTPMatches compares codes in constant time
func OTPMatches(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
