package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	Utils "zuum/Utils"
)

// Gateway is the subset of the Flutterwave v3 API the payment handlers use.
type Gateway interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (string, error)
	VerifyTransaction(ctx context.Context, transactionID int64) (*Transaction, error)
	CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*VirtualAccount, error)
	ListBanks(ctx context.Context, country string) ([]Bank, error)
	ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

var Default Gateway = &Flutterwave{BaseURL: "https://api.flutterwave.com/v3"}

// SecretHash is compared with the verif-hash header of incoming webhooks.
var SecretHash string

// RedirectURL is where customers land after the hosted checkout.
var RedirectURL string

func InitGateway() {
	secretKey := os.Getenv("FLW_SECRET_KEY")
	SecretHash = os.Getenv("FLW_SECRET_HASH")
	RedirectURL = os.Getenv("FLW_REDIRECT_URL")
	baseURL := strings.TrimSuffix(Utils.GetEnvAsString("FLW_BASE_URL", "https://api.flutterwave.com/v3"), "/")

	if secretKey == "" {
		log.Println("Warning: FLW_SECRET_KEY not set, payment calls will fail")
	}
	if SecretHash == "" {
		log.Println("Warning: FLW_SECRET_HASH not set, all payment webhooks will be rejected")
	}

	Default = &Flutterwave{BaseURL: baseURL, SecretKey: secretKey}
	log.Printf("Payment gateway initialized! Base URL: %s, Secret Key: %s", baseURL, Utils.MaskSecret(secretKey))
}

// VerifyWebhookHash reports whether the verif-hash header matches the configured secret.
func VerifyWebhookHash(header string) bool {
	if SecretHash == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(SecretHash), []byte(header)) == 1
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type ChargeRequest struct {
	TxRef       string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Name        string
	Title       string
	Description string
	Meta        map[string]string
}

type Transaction struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	FlwRef   string          `json:"flw_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
	Customer Customer        `json:"customer"`
}

// Successful reports whether the gateway settled the charge.
func (t *Transaction) Successful() bool {
	return t != nil && strings.EqualFold(t.Status, "successful")
}

type VirtualAccountRequest struct {
	Email     string
	TxRef     string
	Narration string
	BVN       string
}

type VirtualAccount struct {
	OrderRef      string `json:"order_ref"`
	FlwRef        string `json:"flw_ref"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

type Bank struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type TransferRequest struct {
	BankCode      string
	AccountNumber string
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	Narration     string
}

type Transfer struct {
	ID        int64  `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Flutterwave talks to the REST API with the secret key as bearer token.
type Flutterwave struct {
	BaseURL   string
	SecretKey string
}

func (f *Flutterwave) call(ctx context.Context, method, path string, body, data interface{}) error {
	out := envelope{Data: data}
	headers := map[string]string{"Authorization": "Bearer " + f.SecretKey}
	if err := Utils.DoJSON(ctx, method, f.BaseURL+path, headers, body, &out); err != nil {
		return fmt.Errorf("flutterwave %s %s: %w", method, path, err)
	}
	if out.Status != "success" {
		return fmt.Errorf("flutterwave %s %s: %s", method, path, out.Message)
	}
	return nil
}

// InitiateCharge creates a hosted checkout and returns its link.
func (f *Flutterwave) InitiateCharge(ctx context.Context, req ChargeRequest) (string, error) {
	body := map[string]interface{}{
		"tx_ref":       req.TxRef,
		"amount":       req.Amount.InexactFloat64(),
		"currency":     req.Currency,
		"redirect_url": RedirectURL,
		"customer":     Customer{Email: req.Email, Name: req.Name},
		"customizations": map[string]string{
			"title":       req.Title,
			"description": req.Description,
		},
		"meta": req.Meta,
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := f.call(ctx, http.MethodPost, "/payments", body, &data); err != nil {
		return "", err
	}
	if data.Link == "" {
		return "", fmt.Errorf("flutterwave: checkout link missing for %s", req.TxRef)
	}
	return data.Link, nil
}

func (f *Flutterwave) VerifyTransaction(ctx context.Context, transactionID int64) (*Transaction, error) {
	var tx Transaction
	if err := f.call(ctx, http.MethodGet, fmt.Sprintf("/transactions/%d/verify", transactionID), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (f *Flutterwave) CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*VirtualAccount, error) {
	body := map[string]interface{}{
		"email":        req.Email,
		"tx_ref":       req.TxRef,
		"is_permanent": true,
		"narration":    req.Narration,
		"bvn":          req.BVN,
	}
	var account VirtualAccount
	if err := f.call(ctx, http.MethodPost, "/virtual-account-numbers", body, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (f *Flutterwave) ListBanks(ctx context.Context, country string) ([]Bank, error) {
	var banks []Bank
	if err := f.call(ctx, http.MethodGet, "/banks/"+country, nil, &banks); err != nil {
		return nil, err
	}
	return banks, nil
}

// ResolveAccount returns the account holder's name.
func (f *Flutterwave) ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error) {
	body := map[string]string{
		"account_number": accountNumber,
		"account_bank":   bankCode,
	}
	var data struct {
		AccountName string `json:"account_name"`
	}
	if err := f.call(ctx, http.MethodPost, "/accounts/resolve", body, &data); err != nil {
		return "", err
	}
	return data.AccountName, nil
}

func (f *Flutterwave) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	body := map[string]interface{}{
		"account_bank":   req.BankCode,
		"account_number": req.AccountNumber,
		"amount":         req.Amount.InexactFloat64(),
		"currency":       req.Currency,
		"debit_currency": req.Currency,
		"reference":      req.Reference,
		"narration":      req.Narration,
	}
	var transfer Transfer
	if err := f.call(ctx, http.MethodPost, "/transfers", body, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}
