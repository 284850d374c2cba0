package payments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	Utils "zuum/Utils"
)

const DefaultCurrency = "NGN"

// Transaction statuses
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusPaid       = "paid"
	StatusActive     = "active"
	StatusExpired    = "expired"
)

// Reference prefixes route gateway callbacks back to their rows.
const (
	RefSubscription = "sub"
	RefBeat         = "beat"
	RefPromotion    = "promo"
	RefWithdrawal   = "wd"
	RefVirtual      = "va"
)

const (
	MinPromotionDays = 1
	MaxPromotionDays = 30
)

var (
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrActiveSubscription = errors.New("you already have an active subscription")
)

type PaymentPlan struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	IntervalDays int             `json:"interval_days"`
	Description  string          `json:"description"`
	Active       bool            `json:"active"`
}

type VirtualAccount struct {
	ProfileID     string    `json:"profile_id"`
	AccountNumber string    `json:"account_number"`
	BankName      string    `json:"bank_name"`
	OrderRef      string    `json:"order_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// DepositAccount is a saved payout destination.
type DepositAccount struct {
	ID            int64     `json:"id"`
	BankCode      string    `json:"bank_code"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	AccountName   string    `json:"account_name"`
	CreatedAt     time.Time `json:"created_at"`
}

type Withdrawal struct {
	ID               int64           `json:"id"`
	Reference        string          `json:"reference"`
	DepositAccountID int64           `json:"deposit_account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Charge           decimal.Decimal `json:"charge"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// HistoryEntry is one row of the unified transaction history.
type HistoryEntry struct {
	Type      string          `json:"type"`
	Reference string          `json:"reference"`
	ProfileID string          `json:"profile_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// CanWithdraw reports whether balance covers amount plus the withdrawal charge.
func CanWithdraw(balance, amount, charge decimal.Decimal) bool {
	if !amount.IsPositive() || charge.IsNegative() {
		return false
	}
	return amount.Add(charge).LessThanOrEqual(balance)
}

// SubscriptionExpiry is the end of a plan paid at paidAt.
func SubscriptionExpiry(paidAt time.Time, intervalDays int) time.Time {
	return paidAt.AddDate(0, 0, intervalDays)
}

// SellerShare is what the producer keeps after the platform fee, rounded to kobo.
func SellerShare(amount, feePercent decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if feePercent.IsNegative() {
		feePercent = decimal.Zero
	}
	if feePercent.GreaterThan(hundred) {
		feePercent = hundred
	}
	return amount.Mul(hundred.Sub(feePercent)).Div(hundred).Round(2)
}

// PromotionCost prices a promotion of days at the daily rate.
func PromotionCost(dailyRate decimal.Decimal, days int) decimal.Decimal {
	return dailyRate.Mul(decimal.NewFromInt(int64(days))).Round(2)
}

func withdrawalCharge() decimal.Decimal {
	return Utils.GetEnvAsDecimal("WITHDRAWAL_CHARGE", decimal.NewFromInt(50))
}

func platformFeePercent() decimal.Decimal {
	return Utils.GetEnvAsDecimal("PLATFORM_FEE_PERCENT", decimal.NewFromInt(10))
}

func promotionDailyRate() decimal.Decimal {
	return Utils.GetEnvAsDecimal("PROMOTION_DAILY_RATE", decimal.NewFromInt(500))
}
