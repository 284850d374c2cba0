package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	Notifications "zuum/Events/Notifications"
	Posts "zuum/Events/Posts"
	Auth "zuum/Services/Auth"
	Gateway "zuum/Services/Gateway"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

var GetClaims func(r *http.Request) (*Auth.Token, bool) = Auth.GetClaims

var notify = Notifications.Notify

// Handle sets up the routes for payment endpoints
func Handle(r chi.Router) {
	r.Get("/plans", ListPlans)
	r.Post("/subscribe", Subscribe)
	r.Get("/virtual-account", GetVirtualAccount)
	r.Post("/virtual-account", CreateVirtualAccount)
	r.Get("/banks", ListBanks)
	r.Get("/deposit-accounts", ListDepositAccounts)
	r.Post("/deposit-accounts", SaveDepositAccount)
	r.Post("/withdraw", Withdraw)
	r.Post("/promote", PromotePost)
	r.Post("/beats/{postID}/purchase", PurchaseBeat)
	r.Get("/transactions", TransactionHistory)
}

type payer struct {
	Email string
	Name  string
}

func fetchPayer(ctx context.Context, profileID string) (*payer, error) {
	var p payer
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT u.email, p.display_name FROM profiles p JOIN users u ON u.id = p.user_id WHERE p.id = $1`,
		profileID,
	).Scan(&p.Email, &p.Name)
	if err != nil {
		return nil, fmt.Errorf("fetchPayer: %w", err)
	}
	return &p, nil
}

// deductBalance takes amount from a profile inside tx. The update only matches
// when the balance covers it, so concurrent deductions cannot overdraw.
func deductBalance(ctx context.Context, tx *sql.Tx, profileID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`UPDATE profiles SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance`,
		profileID, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("deductBalance: %w", err)
	}
	return balance, nil
}

func creditBalance(ctx context.Context, tx *sql.Tx, profileID string, amount decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
		profileID, amount,
	); err != nil {
		return fmt.Errorf("creditBalance: %w", err)
	}
	return nil
}

func markFailed(ctx context.Context, table, refColumn, ref string) {
	if _, err := Mdb.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'failed' WHERE %s = $1 AND status = 'pending'`, table, refColumn),
		ref,
	); err != nil {
		log.Printf("markFailed: failed to mark %s %s as failed: %v", table, ref, err)
	}
}

// Subscribe starts a checkout for a plan. Body: {"plan_id": 1}
func Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		PlanID int `json:"plan_id"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil || input.PlanID <= 0 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	var status string
	var expiresAt sql.NullTime
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT subscription_status, subscription_expires_at FROM profiles WHERE id = $1`,
		claims.ProfileID,
	).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		log.Printf("Subscribe: failed to fetch profile: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start subscription")
		return
	}
	if status == StatusActive && expiresAt.Valid && expiresAt.Time.After(time.Now()) {
		Utils.SendErrorResponse(w, http.StatusBadRequest, ErrActiveSubscription.Error())
		return
	}

	plan, err := fetchPlan(ctx, input.PlanID)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Plan not found")
		return
	}
	if err != nil {
		log.Printf("Subscribe: failed to fetch plan: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start subscription")
		return
	}

	p, err := fetchPayer(ctx, claims.ProfileID)
	if err != nil {
		log.Printf("Subscribe: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start subscription")
		return
	}

	txRef := Utils.GenerateReference(RefSubscription, claims.ProfileID)
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_transactions (tx_ref, profile_id, plan_id, amount, currency)
			VALUES ($1, $2, $3, $4, $5)`,
			txRef, claims.ProfileID, plan.ID, plan.Amount, plan.Currency,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE profiles SET transaction_id = $2, updated_at = NOW() WHERE id = $1`,
			claims.ProfileID, txRef,
		)
		return err
	})
	if err != nil {
		log.Printf("Subscribe: failed to record transaction: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start subscription")
		return
	}

	link, err := Gateway.Default.InitiateCharge(ctx, Gateway.ChargeRequest{
		TxRef:       txRef,
		Amount:      plan.Amount,
		Currency:    plan.Currency,
		Email:       p.Email,
		Name:        p.Name,
		Title:       "Zuum " + plan.Name + " plan",
		Description: plan.Description,
		Meta:        map[string]string{"profile_id": claims.ProfileID, "type": RefSubscription},
	})
	if err != nil {
		log.Printf("Subscribe: failed to initiate charge %s: %v", txRef, err)
		markFailed(ctx, "subscription_transactions", "tx_ref", txRef)
		Utils.SendErrorResponse(w, http.StatusBadGateway, "Payment gateway is unavailable")
		return
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"tx_ref":       txRef,
		"payment_link": link,
		"plan":         plan,
	})
}

// PurchaseBeat starts a checkout for a beat
func PurchaseBeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	postID := chi.URLParam(r, "postID")
	post, err := Posts.FetchPost(ctx, postID)
	if errors.Is(err, sql.ErrNoRows) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Beat not found")
		return
	}
	if err != nil {
		log.Printf("PurchaseBeat: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start purchase")
		return
	}
	if post.Kind != Posts.KindBeat || post.Status != Posts.StatusReady {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Beat not found")
		return
	}
	if post.Price == nil || !post.Price.IsPositive() {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "This beat is not for sale")
		return
	}
	if post.ProfileID == claims.ProfileID {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "You cannot buy your own beat")
		return
	}

	var owned bool
	if err := Mdb.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM beat_purchases WHERE post_id = $1 AND buyer_profile_id = $2 AND status = 'paid')`,
		postID, claims.ProfileID,
	).Scan(&owned); err != nil {
		log.Printf("PurchaseBeat: failed to check purchases: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start purchase")
		return
	}
	if owned {
		Utils.SendErrorResponse(w, http.StatusConflict, "You already own this beat")
		return
	}

	p, err := fetchPayer(ctx, claims.ProfileID)
	if err != nil {
		log.Printf("PurchaseBeat: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start purchase")
		return
	}

	txRef := Utils.GenerateReference(RefBeat, claims.ProfileID+postID)
	if _, err := Mdb.DB.ExecContext(ctx,
		`INSERT INTO beat_purchases (tx_ref, post_id, buyer_profile_id, seller_profile_id, amount)
		VALUES ($1, $2, $3, $4, $5)`,
		txRef, postID, claims.ProfileID, post.ProfileID, *post.Price,
	); err != nil {
		log.Printf("PurchaseBeat: failed to record purchase: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to start purchase")
		return
	}

	link, err := Gateway.Default.InitiateCharge(ctx, Gateway.ChargeRequest{
		TxRef:       txRef,
		Amount:      *post.Price,
		Currency:    DefaultCurrency,
		Email:       p.Email,
		Name:        p.Name,
		Title:       "Beat purchase",
		Description: post.Caption,
		Meta:        map[string]string{"post_id": postID, "type": RefBeat},
	})
	if err != nil {
		log.Printf("PurchaseBeat: failed to initiate charge %s: %v", txRef, err)
		markFailed(ctx, "beat_purchases", "tx_ref", txRef)
		Utils.SendErrorResponse(w, http.StatusBadGateway, "Payment gateway is unavailable")
		return
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"tx_ref":       txRef,
		"payment_link": link,
		"amount":       post.Price,
	})
}

// PromotePost pays for a post to be listed first. Body: {"post_id": "...", "kind": "beat", "days": 7}
func PromotePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var input struct {
		PostID string `json:"post_id"`
		Kind   string `json:"kind"`
		Days   int    `json:"days"`
	}
	if err := Utils.DecodeJSON(r, &input); err != nil {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var errs []Utils.FieldError
	if input.PostID == "" {
		errs = append(errs, Utils.FieldError{Field: "post_id", Message: "post_id is required"})
	}
	if input.Days < MinPromotionDays || input.Days > MaxPromotionDays {
		errs = append(errs, Utils.FieldError{Field: "days", Message: fmt.Sprintf("days must be between %d and %d", MinPromotionDays, MaxPromotionDays)})
	}
	var kind Posts.Kind
	if input.Kind != "" {
		k, err := Posts.ParseKind(input.Kind)
		if err != nil {
			errs = append(errs, Utils.FieldError{Field: "kind", Message: err.Error()})
		}
		kind = k
	}
	if len(errs) > 0 {
		Utils.SendValidationErrors(w, errs)
		return
	}

	post, err := Posts.FetchPost(ctx, input.PostID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("PromotePost: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to promote post")
		return
	}
	if err != nil || post.ProfileID != claims.ProfileID || post.Status != Posts.StatusReady ||
		(kind != "" && post.Kind != kind) {
		Utils.SendErrorResponse(w, http.StatusNotFound, "Post not found")
		return
	}

	cost := PromotionCost(promotionDailyRate(), input.Days)
	txRef := Utils.GenerateReference(RefPromotion, claims.ProfileID+post.ID)
	var balance decimal.Decimal
	var promotedUntil time.Time
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = deductBalance(ctx, tx, claims.ProfileID, cost)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`UPDATE posts SET promoted_until = GREATEST(COALESCE(promoted_until, NOW()), NOW()) + make_interval(days => $2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING promoted_until`,
			post.ID, input.Days,
		).Scan(&promotedUntil); err != nil {
			return fmt.Errorf("extend promotion: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO promotion_transactions (tx_ref, profile_id, post_id, days, amount, status, starts_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, 'active', NOW(), $6)`,
			txRef, claims.ProfileID, post.ID, input.Days, cost, promotedUntil,
		); err != nil {
			return fmt.Errorf("insert promotion: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrInsufficientFunds) {
		Utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Printf("PromotePost: failed to promote post %s: %v", post.ID, err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to promote post")
		return
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: claims.ProfileID,
		Type:               Notifications.TypePromotion,
		PostID:             post.ID,
		PostKind:           string(post.Kind),
		Message:            fmt.Sprintf("Your %s is promoted for %d days", post.Kind, input.Days),
	}); err != nil {
		log.Printf("PromotePost: failed to notify: %v", err)
	}

	Utils.SendCreatedResponse(w, map[string]interface{}{
		"tx_ref":         txRef,
		"post_id":        post.ID,
		"amount":         cost,
		"promoted_until": promotedUntil,
		"balance":        balance,
	})
}
