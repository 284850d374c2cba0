package payments

import (
	"context"
	"database/sql/driver"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Notifications "zuum/Events/Notifications"
	Auth "zuum/Services/Auth"
	Cache "zuum/Services/Cache"
	Gateway "zuum/Services/Gateway"
	Mdb "zuum/Services/Mdb"
)

func setupMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	prev := Mdb.DB
	Mdb.DB = db
	t.Cleanup(func() {
		Mdb.DB = prev
		db.Close()
	})
	return mock
}

func asCaller(t *testing.T, profileID string) *[]Notifications.Input {
	t.Helper()
	prevClaims, prevNotify := GetClaims, notify
	GetClaims = func(r *http.Request) (*Auth.Token, bool) {
		return &Auth.Token{UID: "user-" + profileID, ProfileID: profileID, Role: "artist"}, true
	}
	var sent []Notifications.Input
	notify = func(ctx context.Context, in Notifications.Input) error {
		sent = append(sent, in)
		return nil
	}
	t.Cleanup(func() { GetClaims, notify = prevClaims, prevNotify })
	return &sent
}

func withWebhookSecret(t *testing.T) {
	t.Helper()
	prevHash, prevCache := Gateway.SecretHash, Cache.Default
	Gateway.SecretHash = "flw-secret-hash"
	Cache.Default = Cache.NewMemoryStore()
	t.Cleanup(func() { Gateway.SecretHash, Cache.Default = prevHash, prevCache })
}

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	r.Post("/webhook", Webhook)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanWithdraw(t *testing.T) {
	tests := []struct {
		balance, amount, charge string
		want                    bool
	}{
		{"1000", "950", "50", true},
		{"1000", "950.01", "50", false},
		{"1000", "0", "50", false},
		{"1000", "-10", "50", false},
		{"1000", "100", "-1", false},
		{"0", "1", "0", false},
	}
	for _, tt := range tests {
		got := CanWithdraw(dec(tt.balance), dec(tt.amount), dec(tt.charge))
		assert.Equal(t, tt.want, got, "%s/%s/%s", tt.balance, tt.amount, tt.charge)
	}
}

func TestSubscriptionExpiry(t *testing.T) {
	paid := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), SubscriptionExpiry(paid, 30))
}

func TestSellerShare(t *testing.T) {
	assert.True(t, SellerShare(dec("5000"), dec("10")).Equal(dec("4500")))
	assert.True(t, SellerShare(dec("999.99"), dec("7.5")).Equal(dec("924.99")))
	assert.True(t, SellerShare(dec("100"), dec("-5")).Equal(dec("100")))
	assert.True(t, SellerShare(dec("100"), dec("150")).Equal(decimal.Zero))
}

func TestPromotionCost(t *testing.T) {
	assert.True(t, PromotionCost(dec("500"), 7).Equal(dec("3500")))
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("WITHDRAWAL_CHARGE", "25.5")
	assert.True(t, withdrawalCharge().Equal(dec("25.5")))
	t.Setenv("PLATFORM_FEE_PERCENT", "not-a-number")
	assert.True(t, platformFeePercent().Equal(dec("10")))
}

func TestParsePlans(t *testing.T) {
	plans, err := ParsePlans(strings.NewReader(`
plans:
  - name: Monthly
    amount: "2500.00"
    interval_days: 30
  - name: Yearly
    amount: "25000"
    currency: usd
    interval_days: 365
    active: false
`))
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, DefaultCurrency, plans[0].Currency)
	assert.True(t, plans[0].Active)
	assert.Equal(t, "USD", plans[1].Currency)
	assert.False(t, plans[1].Active)
	assert.True(t, plans[1].Amount.Equal(dec("25000")))
}

func TestParsePlansRejectsInvalid(t *testing.T) {
	docs := map[string]string{
		"missing name":    "plans:\n  - amount: \"10\"\n    interval_days: 30\n",
		"duplicate":       "plans:\n  - {name: A, amount: \"10\", interval_days: 30}\n  - {name: A, amount: \"20\", interval_days: 30}\n",
		"zero amount":     "plans:\n  - {name: A, amount: \"0\", interval_days: 30}\n",
		"bad interval":    "plans:\n  - {name: A, amount: \"10\", interval_days: 0}\n",
		"not yaml at all": "plans: [",
	}
	for name, doc := range docs {
		_, err := ParsePlans(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

func TestWebhookRejectsBadHash(t *testing.T) {
	withWebhookSecret(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"charge.completed","data":{"id":1}}`))
	req.Header.Set("verif-hash", "nope")
	w := serve(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookDuplicateIsAcknowledged(t *testing.T) {
	withWebhookSecret(t)
	_, err := Cache.Default.SetNX(context.Background(), "webhook:flw:charge.completed:77", "1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"charge.completed","data":{"id":77}}`))
	req.Header.Set("verif-hash", "flw-secret-hash")
	w := serve(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
}

func TestWebhookFailedTransferRefunds(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE withdrawals").
		WithArgs("wd-abc", StatusFailed, int64(900), "Account resolved failed").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id", "total"}).AddRow("p1", "1050.00"))
	mock.ExpectExec("UPDATE profiles SET balance = balance \\+").
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(
		`{"event":"transfer.completed","data":{"id":900,"reference":"wd-abc","status":"FAILED","complete_message":"Account resolved failed"}}`))
	req.Header.Set("verif-hash", "flw-secret-hash")
	w := serve(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":true`)
	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].Message, "1050.00 was refunded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookReplayedTransferIsNoop(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE withdrawals").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id", "total"}))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(
		`{"event":"transfer.completed","data":{"id":901,"reference":"wd-abc","status":"SUCCESSFUL"}}`))
	req.Header.Set("verif-hash", "flw-secret-hash")
	w := serve(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":false`)
	assert.Empty(t, *sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	mock := setupMockDB(t)
	asCaller(t, "p1")
	t.Setenv("WITHDRAWAL_CHARGE", "50")

	mock.ExpectQuery("FROM deposit_accounts").WithArgs(int64(3), "p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "bank_code", "bank_name", "account_number", "account_name", "created_at"}).
			AddRow(3, "044", "Access Bank", "0690000031", "Ada Obi", time.Now()))
	mock.ExpectQuery("SELECT balance FROM profiles").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1000.00"))

	w := serve(httptest.NewRequest(http.MethodPost, "/withdraw",
		strings.NewReader(`{"amount":"960","deposit_account_id":3}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrInsufficientFunds.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawValidation(t *testing.T) {
	mock := setupMockDB(t)
	asCaller(t, "p1")

	w := serve(httptest.NewRequest(http.MethodPost, "/withdraw", strings.NewReader(`{"amount":"0"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "deposit_account_id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionHistoryUnknownType(t *testing.T) {
	setupMockDB(t)
	asCaller(t, "p1")

	w := serve(httptest.NewRequest(http.MethodGet, "/transactions?type=refund", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeGateway struct {
	Gateway.Gateway
	charge      Gateway.Transaction
	transferErr error
	transfers   []Gateway.TransferRequest
}

func (f *fakeGateway) VerifyTransaction(ctx context.Context, transactionID int64) (*Gateway.Transaction, error) {
	tx := f.charge
	tx.ID = transactionID
	return &tx, nil
}

func (f *fakeGateway) InitiateTransfer(ctx context.Context, req Gateway.TransferRequest) (*Gateway.Transfer, error) {
	f.transfers = append(f.transfers, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return &Gateway.Transfer{ID: 3000000000, Reference: req.Reference, Status: "NEW"}, nil
}

func withGateway(t *testing.T, f *fakeGateway) {
	t.Helper()
	prev := Gateway.Default
	Gateway.Default = f
	t.Cleanup(func() { Gateway.Default = prev })
}

// decimalArg matches a NUMERIC argument by value rather than by its text.
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := decimal.NewFromString(s)
	return err == nil && got.Equal(dec(string(d)))
}

// timeArg records the time it is matched against.
type timeArg struct{ got *time.Time }

func (a timeArg) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	if ok {
		*a.got = t
	}
	return ok
}

func postWebhook(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("verif-hash", "flw-secret-hash")
	return serve(req)
}

func expectPost(mock sqlmock.Sqlmock, postID, profileID, kind string) {
	now := time.Now()
	mock.ExpectQuery("FROM posts p JOIN profiles pr").WithArgs(postID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "profile_id", "username", "profile_image", "caption",
			"description", "genre", "tags", "media_key", "cover_key", "media_url", "cover_url", "status", "price",
			"likes", "unlikes", "comments", "shares", "views", "promoted_until", "created_at", "updated_at"}).
			AddRow(postID, kind, profileID, "ada", "", "Lagos nights", "", "afrobeats", "{}", kind+"/"+postID, "",
				"", "", "ready", nil, 0, 0, 0, 0, 0, nil, now, now))
}

func TestWebhookChargeActivatesSubscription(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	withGateway(t, &fakeGateway{charge: Gateway.Transaction{
		TxRef: "sub-abc", Amount: dec("2500"), Currency: "NGN", Status: "successful",
	}})

	var paidAt, expiresAt, profileExpiry time.Time
	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscription_transactions st JOIN payment_plans").WithArgs("sub-abc").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id", "amount", "currency", "interval_days", "name"}).
			AddRow("p1", "2500.00", "NGN", 30, "Monthly"))
	mock.ExpectExec("SET status = 'successful', gateway_tx_id = \\$2").
		WithArgs("sub-abc", int64(501), timeArg{&paidAt}, timeArg{&expiresAt}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE profiles SET subscription_status = 'active'").
		WithArgs("p1", timeArg{&profileExpiry}, "sub-abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postWebhook(`{"event":"charge.completed","data":{"id":501,"tx_ref":"sub-abc"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":true`)
	assert.Equal(t, SubscriptionExpiry(paidAt, 30), expiresAt)
	assert.Equal(t, expiresAt, profileExpiry)
	require.Len(t, *sent, 1)
	assert.Equal(t, Notifications.TypeSubscription, (*sent)[0].Type)
	assert.Contains(t, (*sent)[0].Message, "Monthly")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookChargeMismatchFailsSubscription(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
	}{
		{"underpaid", "2499.99", "NGN"},
		{"wrong currency", "2500", "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withWebhookSecret(t)
			mock := setupMockDB(t)
			sent := asCaller(t, "p1")
			withGateway(t, &fakeGateway{charge: Gateway.Transaction{
				TxRef: "sub-abc", Amount: dec(tt.amount), Currency: tt.currency, Status: "successful",
			}})

			mock.ExpectBegin()
			mock.ExpectQuery("FROM subscription_transactions st JOIN payment_plans").WithArgs("sub-abc").
				WillReturnRows(sqlmock.NewRows([]string{"profile_id", "amount", "currency", "interval_days", "name"}).
					AddRow("p1", "2500.00", "NGN", 30, "Monthly"))
			mock.ExpectExec("UPDATE subscription_transactions SET status = 'failed'").
				WithArgs("sub-abc", int64(502)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			w := postWebhook(`{"event":"charge.completed","data":{"id":502,"tx_ref":"sub-abc"}}`)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"handled":false`)
			assert.Empty(t, *sent)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWebhookChargeCreditsBeatSeller(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	t.Setenv("PLATFORM_FEE_PERCENT", "10")
	withGateway(t, &fakeGateway{charge: Gateway.Transaction{
		TxRef: "beat-xyz", Amount: dec("5000"), Currency: "NGN", Status: "successful",
	}})

	mock.ExpectBegin()
	mock.ExpectQuery("FROM beat_purchases WHERE tx_ref").WithArgs("beat-xyz").
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "buyer_profile_id", "seller_profile_id", "amount"}).
			AddRow("b1", "p1", "p2", "5000.00"))
	mock.ExpectExec("UPDATE beat_purchases SET status = 'paid'").WithArgs("beat-xyz").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE profiles SET balance = balance \\+").WithArgs("p2", decimalArg("4500")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postWebhook(`{"event":"charge.completed","data":{"id":601,"tx_ref":"beat-xyz"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":true`)
	require.Len(t, *sent, 1)
	assert.Equal(t, "p2", (*sent)[0].RecipientProfileID)
	assert.Equal(t, "p1", (*sent)[0].ActorProfileID)
	assert.Equal(t, Notifications.TypePurchase, (*sent)[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookDepositCreditedOnce(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	withGateway(t, &fakeGateway{charge: Gateway.Transaction{
		TxRef: "va-order-1", FlwRef: "flw-1", Amount: dec("3000"), Currency: "NGN", Status: "successful",
	}})

	mock.ExpectQuery("FROM virtual_accounts").WithArgs("va-order-1", "flw-1").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id"}).AddRow("p1"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO deposits").WithArgs("p1", decimalArg("3000"), int64(701), "va-order-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE profiles SET balance = balance \\+").WithArgs("p1", decimalArg("3000")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postWebhook(`{"event":"charge.completed","data":{"id":701,"tx_ref":"va-order-1"}}`)
	assert.Contains(t, w.Body.String(), `"handled":true`)

	// The dedup key has lapsed, so only the unique gateway id stops a second credit.
	require.NoError(t, Cache.Default.Del(context.Background(), "webhook:flw:charge.completed:701"))
	mock.ExpectQuery("FROM virtual_accounts").WithArgs("va-order-1", "flw-1").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id"}).AddRow("p1"))
	mock.ExpectBegin()
	mock.ExpectExec("ON CONFLICT \\(gateway_tx_id\\) DO NOTHING").WithArgs("p1", decimalArg("3000"), int64(701), "va-order-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w = postWebhook(`{"event":"charge.completed","data":{"id":701,"tx_ref":"va-order-1"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":false`)
	require.Len(t, *sent, 1)
	assert.Equal(t, Notifications.TypePayment, (*sent)[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookTransferKeepsLargeTransferID(t *testing.T) {
	withWebhookSecret(t)
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")

	mock.ExpectBegin()
	mock.ExpectQuery("NULLIF\\(\\$3::bigint, 0\\)").
		WithArgs("wd-big", StatusSuccessful, int64(3000000000), "").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id", "total"}).AddRow("p1", "1050.00"))
	mock.ExpectCommit()

	w := postWebhook(`{"event":"transfer.completed","data":{"id":3000000000,"reference":"wd-big","status":"SUCCESSFUL"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":true`)
	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].Message, "was paid out")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeWhileActive(t *testing.T) {
	mock := setupMockDB(t)
	asCaller(t, "p1")

	mock.ExpectQuery("SELECT subscription_status, subscription_expires_at FROM profiles").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"subscription_status", "subscription_expires_at"}).
			AddRow(StatusActive, time.Now().Add(10*24*time.Hour)))

	w := serve(httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(`{"plan_id":1}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrActiveSubscription.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectWithdrawal(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM deposit_accounts").WithArgs(int64(3), "p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "bank_code", "bank_name", "account_number", "account_name", "created_at"}).
			AddRow(3, "044", "Access Bank", "0690000031", "Ada Obi", time.Now()))
	mock.ExpectQuery("SELECT balance FROM profiles").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1000.00"))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE profiles SET balance = balance -").WithArgs("p1", decimalArg("550")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("450.00"))
	mock.ExpectQuery("INSERT INTO withdrawals").
		WithArgs(sqlmock.AnyArg(), "p1", int64(3), decimalArg("500"), decimalArg("50")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
	mock.ExpectCommit()
}

func TestWithdrawStartsTransfer(t *testing.T) {
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	t.Setenv("WITHDRAWAL_CHARGE", "50")
	gw := &fakeGateway{}
	withGateway(t, gw)

	expectWithdrawal(mock)
	mock.ExpectExec("UPDATE withdrawals SET transfer_id = \\$2").WithArgs(sqlmock.AnyArg(), int64(3000000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := serve(httptest.NewRequest(http.MethodPost, "/withdraw",
		strings.NewReader(`{"amount":"500","deposit_account_id":3}`)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
	require.Len(t, gw.transfers, 1)
	assert.Equal(t, "044", gw.transfers[0].BankCode)
	assert.True(t, gw.transfers[0].Amount.Equal(dec("500")))
	assert.True(t, strings.HasPrefix(gw.transfers[0].Reference, RefWithdrawal+"-"))
	assert.Empty(t, *sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawRefundsWhenTransferFails(t *testing.T) {
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	t.Setenv("WITHDRAWAL_CHARGE", "50")
	withGateway(t, &fakeGateway{transferErr: errors.New("gateway timeout")})

	expectWithdrawal(mock)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE withdrawals").
		WithArgs(sqlmock.AnyArg(), StatusFailed, int64(0), "transfer initiation failed").
		WillReturnRows(sqlmock.NewRows([]string{"profile_id", "total"}).AddRow("p1", "550.00"))
	mock.ExpectExec("UPDATE profiles SET balance = balance \\+").WithArgs("p1", decimalArg("550")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := serve(httptest.NewRequest(http.MethodPost, "/withdraw",
		strings.NewReader(`{"amount":"500","deposit_account_id":3}`)))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	require.Len(t, *sent, 1)
	assert.Equal(t, Notifications.TypeWithdrawal, (*sent)[0].Type)
	assert.Contains(t, (*sent)[0].Message, "550.00 was refunded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotePostInsufficientBalance(t *testing.T) {
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")
	t.Setenv("PROMOTION_DAILY_RATE", "500")

	expectPost(mock, "post-1", "p1", "audio")
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE profiles SET balance = balance -").WithArgs("p1", decimalArg("3500")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	w := serve(httptest.NewRequest(http.MethodPost, "/promote",
		strings.NewReader(`{"post_id":"post-1","kind":"audio","days":7}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrInsufficientFunds.Error())
	assert.Empty(t, *sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}
