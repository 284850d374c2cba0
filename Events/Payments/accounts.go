package payments

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	Cache "zuum/Services/Cache"
	Gateway "zuum/Services/Gateway"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

var accountNumberRegex = regexp.MustCompile(`^[0-9]{10}$`)

const banksCacheTTL = 24 * time.Hour

const virtualAccountColumns = `profile_id, account_number, bank_name, order_ref, created_at`

func scanVirtualAccount(row *sql.Row) (*VirtualAccount, error) {
	var va VirtualAccount
	if err := row.Scan(&va.ProfileID, &va.AccountNumber, &va.BankName, &va.OrderRef, &va.CreatedAt); err != nil {
		return nil, err
	}
	return &va, nil
}

// GetVirtualAccount returns the caller's funding account
func GetVirtualAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	va, err := scanVirtualAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+virtualAccountColumns+` FROM virtual_accounts WHERE profile_id = $1`, claims.ProfileID))
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "No virtual account yet")
		return
	}
	if err != nil {
		log.Printf("GetVirtualAccount: failed to fetch account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch virtual account")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"virtual_account": va})
}

// CreateVirtualAccount opens the caller's funding account once. Body: {"bvn": "..."}
func CreateVirtualAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		BVN string `json:"bvn"`
	}
	if r.ContentLength != 0 {
		if err := Utils.DecodeJSON(r, &input); err != nil {
			Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	existing, err := scanVirtualAccount(Mdb.DB.QueryRowContext(ctx,
		`SELECT `+virtualAccountColumns+` FROM virtual_accounts WHERE profile_id = $1`, claims.ProfileID))
	if err == nil {
		Utils.SendSuccessResponse(w, map[string]interface{}{"virtual_account": existing})
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("CreateVirtualAccount: failed to fetch account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to create virtual account")
		return
	}

	p, err := fetchPayer(ctx, claims.ProfileID)
	if err != nil {
		log.Printf("CreateVirtualAccount: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to create virtual account")
		return
	}

	txRef := Utils.GenerateReference(RefVirtual, claims.ProfileID)
	account, err := Gateway.Default.CreateVirtualAccount(ctx, Gateway.VirtualAccountRequest{
		Email:     p.Email,
		TxRef:     txRef,
		Narration: p.Name,
		BVN:       strings.TrimSpace(input.BVN),
	})
	if err != nil {
		log.Printf("CreateVirtualAccount: gateway error: %v", err)
		Utils.SendErrorResponse(w, http.StatusBadGateway, "Payment gateway is unavailable")
		return
	}
	orderRef := account.OrderRef
	if orderRef == "" {
		orderRef = txRef
	}

	va, err := scanVirtualAccount(Mdb.DB.QueryRowContext(ctx,
		`INSERT INTO virtual_accounts (profile_id, account_number, bank_name, order_ref, flw_ref)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile_id) DO UPDATE SET profile_id = EXCLUDED.profile_id
		RETURNING `+virtualAccountColumns,
		claims.ProfileID, account.AccountNumber, account.BankName, orderRef, account.FlwRef,
	))
	if err != nil {
		log.Printf("CreateVirtualAccount: failed to store account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to create virtual account")
		return
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{"virtual_account": va})
}

// ListBanks returns the gateway's bank list for ?country= (NG by default), cached for a day
func ListBanks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := GetClaims(r); !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	country := strings.ToUpper(r.URL.Query().Get("country"))
	if country == "" {
		country = "NG"
	}
	if len(country) != 2 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "country must be a 2-letter code")
		return
	}

	key := "banks:" + country
	if cached, err := Cache.Default.Get(ctx, key); err == nil {
		var banks []Gateway.Bank
		if err := json.Unmarshal([]byte(cached), &banks); err == nil {
			Utils.SendSuccessResponse(w, map[string]interface{}{"banks": banks})
			return
		}
	}

	banks, err := Gateway.Default.ListBanks(ctx, country)
	if err != nil {
		log.Printf("ListBanks: gateway error: %v", err)
		Utils.SendErrorResponse(w, http.StatusBadGateway, "Payment gateway is unavailable")
		return
	}
	if raw, err := json.Marshal(banks); err == nil {
		if err := Cache.Default.Set(ctx, key, string(raw), banksCacheTTL); err != nil {
			log.Printf("ListBanks: failed to cache banks: %v", err)
		}
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"banks": banks})
}

// SaveDepositAccount stores a payout destination after resolving its holder name.
// Body: {"bank_code": "044", "bank_name": "Access Bank", "account_number": "0690000031"}
func SaveDepositAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		BankCode      string `json:"bank_code"`
		BankName      string `json:"bank_name"`
		AccountNumber string `json:"account_number"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	input.BankCode = strings.TrimSpace(input.BankCode)
	input.AccountNumber = strings.TrimSpace(input.AccountNumber)
	var errs []Utils.FieldError
	if input.BankCode == "" {
		errs = append(errs, Utils.FieldError{Field: "bank_code", Message: "bank_code is required"})
	}
	if !accountNumberRegex.MatchString(input.AccountNumber) {
		errs = append(errs, Utils.FieldError{Field: "account_number", Message: "account_number must be 10 digits"})
	}
	if len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}

	name, err := Gateway.Default.ResolveAccount(ctx, input.BankCode, input.AccountNumber)
	if err != nil {
		log.Printf("SaveDepositAccount: failed to resolve account: %v", err)
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Could not resolve bank account")
		return
	}

	account := DepositAccount{
		BankCode:      input.BankCode,
		BankName:      strings.TrimSpace(input.BankName),
		AccountNumber: input.AccountNumber,
		AccountName:   name,
	}
	err = Mdb.DB.QueryRowContext(ctx,
		`INSERT INTO deposit_accounts (profile_id, bank_code, bank_name, account_number, account_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile_id, bank_code, account_number)
		DO UPDATE SET account_name = EXCLUDED.account_name, bank_name = EXCLUDED.bank_name
		RETURNING id, created_at`,
		claims.ProfileID, account.BankCode, account.BankName, account.AccountNumber, account.AccountName,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		log.Printf("SaveDepositAccount: failed to store account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to save account")
		return
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{"deposit_account": account})
}

// ListDepositAccounts returns the caller's payout destinations
func ListDepositAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT id, bank_code, bank_name, account_number, account_name, created_at
		FROM deposit_accounts WHERE profile_id = $1 ORDER BY created_at DESC`,
		claims.ProfileID,
	)
	if err != nil {
		log.Printf("ListDepositAccounts: failed to query accounts: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch accounts")
		return
	}
	defer rows.Close()

	accounts := []DepositAccount{}
	for rows.Next() {
		var a DepositAccount
		if err := rows.Scan(&a.ID, &a.BankCode, &a.BankName, &a.AccountNumber, &a.AccountName, &a.CreatedAt); err != nil {
			log.Printf("ListDepositAccounts: failed to scan account: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch accounts")
			return
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListDepositAccounts: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch accounts")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"deposit_accounts": accounts})
}

// Withdraw pays out to a saved deposit account. Body: {"amount": "5000", "deposit_account_id": 1}
func Withdraw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		Amount           decimal.Decimal `json:"amount"`
		DepositAccountID int64           `json:"deposit_account_id"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var errs []Utils.FieldError
	if !input.Amount.IsPositive() {
		errs = append(errs, Utils.FieldError{Field: "amount", Message: "amount must be greater than zero"})
	}
	if input.DepositAccountID <= 0 {
		errs = append(errs, Utils.FieldError{Field: "deposit_account_id", Message: "deposit_account_id is required"})
	}
	if len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}
	amount := input.Amount.Round(2)

	var account DepositAccount
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT id, bank_code, bank_name, account_number, account_name, created_at
		FROM deposit_accounts WHERE id = $1 AND profile_id = $2`,
		input.DepositAccountID, claims.ProfileID,
	).Scan(&account.ID, &account.BankCode, &account.BankName, &account.AccountNumber, &account.AccountName, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Deposit account not found")
		return
	}
	if err != nil {
		log.Printf("Withdraw: failed to fetch deposit account: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to process withdrawal")
		return
	}

	charge := withdrawalCharge()
	var balance decimal.Decimal
	if err := Mdb.DB.QueryRowContext(ctx,
		`SELECT balance FROM profiles WHERE id = $1`, claims.ProfileID,
	).Scan(&balance); err != nil {
		log.Printf("Withdraw: failed to fetch balance: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to process withdrawal")
		return
	}
	if !CanWithdraw(balance, amount, charge) {
		Utils.SendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("%s: amount plus %s charge exceeds your balance", ErrInsufficientFunds, charge.StringFixed(2)))
		return
	}

	total := amount.Add(charge)
	withdrawal := Withdrawal{
		Reference:        Utils.GenerateReference(RefWithdrawal, claims.ProfileID),
		DepositAccountID: account.ID,
		Amount:           amount,
		Charge:           charge,
		Status:           StatusPending,
	}
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if balance, err = deductBalance(ctx, tx, claims.ProfileID, total); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO withdrawals (reference, profile_id, deposit_account_id, amount, charge)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			withdrawal.Reference, claims.ProfileID, account.ID, amount, charge,
		).Scan(&withdrawal.ID, &withdrawal.CreatedAt)
	})
	if errors.Is(err, ErrInsufficientFunds) {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Printf("Withdraw: failed to record withdrawal: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to process withdrawal")
		return
	}

	transfer, err := Gateway.Default.InitiateTransfer(ctx, Gateway.TransferRequest{
		BankCode:      account.BankCode,
		AccountNumber: account.AccountNumber,
		Amount:        amount,
		Currency:      DefaultCurrency,
		Reference:     withdrawal.Reference,
		Narration:     "Zuum withdrawal",
	})
	if err != nil {
		log.Printf("Withdraw: failed to initiate transfer %s: %v", withdrawal.Reference, err)
		if _, settleErr := settleWithdrawal(ctx, withdrawal.Reference, 0, false, "transfer initiation failed"); settleErr != nil {
			log.Printf("Withdraw: failed to refund %s: %v", withdrawal.Reference, settleErr)
		}
		Utils.SendErrorResponse(w, http.StatusBadGateway, "Payment gateway is unavailable, your balance was not charged")
		return
	}
	if _, err := Mdb.DB.ExecContext(ctx,
		`UPDATE withdrawals SET transfer_id = $2, updated_at = NOW() WHERE reference = $1`,
		withdrawal.Reference, transfer.ID,
	); err != nil {
		log.Printf("Withdraw: failed to store transfer id for %s: %v", withdrawal.Reference, err)
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"withdrawal": withdrawal,
		"balance":    balance,
	})
}
