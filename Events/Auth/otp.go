package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	AuthService "zuum/Services/Auth"
	Cache "zuum/Services/Cache"
	Mail "zuum/Services/Mail"
	Utils "zuum/Utils"
)

// OTP purposes
const (
	PurposeVerify = "verify"
	PurposeReset  = "reset"
)

// otpSettings reads OTP_EXPIRY and OTP_LENGTH at call time.
func otpSettings() (expiry time.Duration, length int) {
	return Utils.GetEnvAsDuration("OTP_EXPIRY", 10*time.Minute), Utils.GetEnvAsInt("OTP_LENGTH", 6)
}

// MaxOTPAttempts wrong guesses burn the current code.
const MaxOTPAttempts = 5

var ErrInvalidOTP = errors.New("invalid or expired code")

func otpKey(purpose, email string) string {
	return fmt.Sprintf("otp:%s:%s", purpose, email)
}

func otpAttemptsKey(purpose, email string) string {
	return fmt.Sprintf("otp:attempts:%s:%s", purpose, email)
}

func validPurpose(purpose string) bool {
	return purpose == PurposeVerify || purpose == PurposeReset
}

// issueOTP stores a fresh code for email and mails it without waiting on delivery.
func issueOTP(ctx context.Context, email, purpose string) error {
	expiry, length := otpSettings()
	code, err := AuthService.GenerateOTP(length)
	if err != nil {
		return fmt.Errorf("issueOTP: generate: %w", err)
	}
	if err := Cache.Default.Set(ctx, otpKey(purpose, email), code, expiry); err != nil {
		return fmt.Errorf("issueOTP: store: %w", err)
	}
	if err := Cache.Default.Del(ctx, otpAttemptsKey(purpose, email)); err != nil {
		return fmt.Errorf("issueOTP: reset attempts: %w", err)
	}
	subject, body := Mail.OTPEmail(code, purpose, expiry)
	Mail.SendAsync(email, subject, body)
	return nil
}

// recordOTPMiss counts a wrong guess per email, independent of the caller's IP,
// and deletes the code once MaxOTPAttempts is reached.
func recordOTPMiss(ctx context.Context, email, purpose string) error {
	expiry, _ := otpSettings()
	misses, err := Cache.Default.Incr(ctx, otpAttemptsKey(purpose, email), expiry)
	if err != nil {
		return fmt.Errorf("consumeOTP: count attempt: %w", err)
	}
	if misses >= MaxOTPAttempts {
		log.Printf("consumeOTP: %s code for %s burned after %d wrong attempts", purpose, email, misses)
		if err := Cache.Default.Del(ctx, otpKey(purpose, email), otpAttemptsKey(purpose, email)); err != nil {
			return fmt.Errorf("consumeOTP: burn code: %w", err)
		}
	}
	return ErrInvalidOTP
}

// consumeOTP checks code against the stored one and deletes it on a match.
func consumeOTP(ctx context.Context, email, purpose, code string) error {
	expected, err := Cache.Default.Get(ctx, otpKey(purpose, email))
	if errors.Is(err, Cache.ErrMiss) {
		return ErrInvalidOTP
	}
	if err != nil {
		return fmt.Errorf("consumeOTP: load: %w", err)
	}
	if !AuthService.OTPMatches(expected, code) {
		return recordOTPMiss(ctx, email, purpose)
	}
	if err := Cache.Default.Del(ctx, otpKey(purpose, email), otpAttemptsKey(purpose, email)); err != nil {
		return fmt.Errorf("consumeOTP: delete: %w", err)
	}
	return nil
}
