package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	Notifications "zuum/Events/Notifications"
	Cache "zuum/Services/Cache"
	Gateway "zuum/Services/Gateway"
	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

const (
	maxWebhookBody  = 1 << 20
	webhookDedupTTL = 24 * time.Hour
)

// Gateway events handled by Webhook
const (
	EventChargeCompleted   = "charge.completed"
	EventTransferCompleted = "transfer.completed"
)

// WebhookEvent is the payload the gateway posts to /webhooks/payments.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID              int64           `json:"id"`
		TxRef           string          `json:"tx_ref"`
		FlwRef          string          `json:"flw_ref"`
		Reference       string          `json:"reference"`
		Amount          decimal.Decimal `json:"amount"`
		Currency        string          `json:"currency"`
		Status          string          `json:"status"`
		CompleteMessage string          `json:"complete_message"`
	} `json:"data"`
}

func (e *WebhookEvent) dedupKey() string {
	return "webhook:flw:" + e.Event + ":" + strconv.FormatInt(e.Data.ID, 10)
}

// Webhook reconciles gateway callbacks. Every transition is conditional on the
// row still being pending, so replays change nothing.
func Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !Gateway.VerifyWebhookHash(r.Header.Get("verif-hash")) {
		log.Printf("Webhook: rejected callback from %s: bad verif-hash", Utils.ClientIP(r))
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(body) == 0 {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Event == "" {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	key := event.dedupKey()
	fresh, err := Cache.Default.SetNX(ctx, key, "1", webhookDedupTTL)
	if err != nil {
		log.Printf("Webhook: dedup check failed, processing anyway: %v", err)
		fresh = true
	}
	if !fresh {
		Utils.SendSuccessResponse(w, map[string]interface{}{"received": true, "duplicate": true})
		return
	}

	var handled bool
	switch event.Event {
	case EventChargeCompleted:
		handled, err = handleCharge(ctx, &event)
	case EventTransferCompleted:
		ref := event.Data.Reference
		handled, err = settleWithdrawal(ctx, ref, event.Data.ID,
			strings.EqualFold(event.Data.Status, "SUCCESSFUL"), event.Data.CompleteMessage)
	default:
		log.Printf("Webhook: ignoring event %s", event.Event)
	}
	if err != nil {
		log.Printf("Webhook: failed to process %s %d: %v", event.Event, event.Data.ID, err)
		if delErr := Cache.Default.Del(ctx, key); delErr != nil {
			log.Printf("Webhook: failed to release dedup key: %v", delErr)
		}
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"received": true, "handled": handled})
}

// handleCharge re-verifies the charge with the gateway and settles the row it belongs to.
func handleCharge(ctx context.Context, event *WebhookEvent) (bool, error) {
	tx, err := Gateway.Default.VerifyTransaction(ctx, event.Data.ID)
	if err != nil {
		return false, fmt.Errorf("verify transaction: %w", err)
	}
	if tx.TxRef == "" {
		tx.TxRef = event.Data.TxRef
	}

	switch {
	case strings.HasPrefix(tx.TxRef, RefSubscription+"-"):
		if !tx.Successful() {
			markFailed(ctx, "subscription_transactions", "tx_ref", tx.TxRef)
			return true, nil
		}
		return settleSubscription(ctx, tx)
	case strings.HasPrefix(tx.TxRef, RefBeat+"-"):
		if !tx.Successful() {
			markFailed(ctx, "beat_purchases", "tx_ref", tx.TxRef)
			return true, nil
		}
		return settleBeatPurchase(ctx, tx)
	default:
		if !tx.Successful() {
			return false, nil
		}
		return settleDeposit(ctx, tx)
	}
}

func settleSubscription(ctx context.Context, gtx *Gateway.Transaction) (bool, error) {
	var profileID, planName string
	var expiresAt time.Time
	settled := false
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var amount decimal.Decimal
		var currency string
		var intervalDays int
		err := tx.QueryRowContext(ctx,
			`SELECT st.profile_id, st.amount, st.currency, p.interval_days, p.name
			FROM subscription_transactions st JOIN payment_plans p ON p.id = st.plan_id
			WHERE st.tx_ref = $1 AND st.status = 'pending'
			FOR UPDATE OF st`,
			gtx.TxRef,
		).Scan(&profileID, &amount, &currency, &intervalDays, &planName)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load subscription: %w", err)
		}

		if gtx.Amount.LessThan(amount) || !strings.EqualFold(gtx.Currency, currency) {
			log.Printf("settleSubscription: %s paid %s %s, expected %s %s", gtx.TxRef, gtx.Amount, gtx.Currency, amount, currency)
			_, err := tx.ExecContext(ctx,
				`UPDATE subscription_transactions SET status = 'failed', gateway_tx_id = $2, updated_at = NOW() WHERE tx_ref = $1`,
				gtx.TxRef, gtx.ID)
			return err
		}

		paidAt := time.Now().UTC()
		expiresAt = SubscriptionExpiry(paidAt, intervalDays)
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscription_transactions
			SET status = 'successful', gateway_tx_id = $2, paid_at = $3, expires_at = $4, updated_at = NOW()
			WHERE tx_ref = $1`,
			gtx.TxRef, gtx.ID, paidAt, expiresAt,
		); err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET subscription_status = 'active', subscription_expires_at = $2, transaction_id = $3, updated_at = NOW()
			WHERE id = $1`,
			profileID, expiresAt, gtx.TxRef,
		); err != nil {
			return fmt.Errorf("activate profile: %w", err)
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return settled, err
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: profileID,
		Type:               Notifications.TypeSubscription,
		Message:            fmt.Sprintf("Your %s subscription is active until %s", planName, expiresAt.Format("2 Jan 2006")),
	}); err != nil {
		log.Printf("settleSubscription: failed to notify: %v", err)
	}
	return true, nil
}

func settleBeatPurchase(ctx context.Context, gtx *Gateway.Transaction) (bool, error) {
	var postID, buyerID, sellerID string
	settled := false
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		var amount decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(post_id, ''), buyer_profile_id, seller_profile_id, amount
			FROM beat_purchases WHERE tx_ref = $1 AND status = 'pending'
			FOR UPDATE`,
			gtx.TxRef,
		).Scan(&postID, &buyerID, &sellerID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load purchase: %w", err)
		}

		if gtx.Amount.LessThan(amount) {
			log.Printf("settleBeatPurchase: %s paid %s, expected %s", gtx.TxRef, gtx.Amount, amount)
			_, err := tx.ExecContext(ctx, `UPDATE beat_purchases SET status = 'failed' WHERE tx_ref = $1`, gtx.TxRef)
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE beat_purchases SET status = 'paid', paid_at = NOW() WHERE tx_ref = $1`, gtx.TxRef,
		); err != nil {
			return fmt.Errorf("update purchase: %w", err)
		}
		if err := creditBalance(ctx, tx, sellerID, SellerShare(amount, platformFeePercent())); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return settled, err
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: sellerID,
		ActorProfileID:     buyerID,
		Type:               Notifications.TypePurchase,
		PostID:             postID,
		PostKind:           "beat",
		Message:            "%s bought your beat",
	}); err != nil {
		log.Printf("settleBeatPurchase: failed to notify: %v", err)
	}
	return true, nil
}

// settleDeposit credits a transfer into a virtual account. The gateway
// transaction id is unique in deposits, so a second delivery inserts nothing.
func settleDeposit(ctx context.Context, gtx *Gateway.Transaction) (bool, error) {
	var profileID string
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT profile_id FROM virtual_accounts WHERE order_ref = $1 OR (flw_ref <> '' AND flw_ref = $2)`,
		gtx.TxRef, gtx.FlwRef,
	).Scan(&profileID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("settleDeposit: no account for tx_ref %s", gtx.TxRef)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find virtual account: %w", err)
	}

	settled := false
	err = Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO deposits (profile_id, amount, gateway_tx_id, reference)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (gateway_tx_id) DO NOTHING`,
			profileID, gtx.Amount, gtx.ID, gtx.TxRef,
		)
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := creditBalance(ctx, tx, profileID, gtx.Amount); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return settled, err
	}

	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: profileID,
		Type:               Notifications.TypePayment,
		Message:            fmt.Sprintf("Your wallet was funded with %s %s", gtx.Currency, gtx.Amount.StringFixed(2)),
	}); err != nil {
		log.Printf("settleDeposit: failed to notify: %v", err)
	}
	return true, nil
}

// settleWithdrawal closes a pending withdrawal. A failed transfer refunds the
// amount and charge to the balance.
func settleWithdrawal(ctx context.Context, reference string, transferID int64, successful bool, reason string) (bool, error) {
	if reference == "" {
		return false, nil
	}
	status := StatusFailed
	if successful {
		status = StatusSuccessful
	}

	var profileID string
	var total decimal.Decimal
	settled := false
	err := Mdb.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE withdrawals
			SET status = $2, transfer_id = COALESCE(NULLIF($3::bigint, 0), transfer_id),
				failure_reason = NULLIF($4, ''), updated_at = NOW()
			WHERE reference = $1 AND status = 'pending'
			RETURNING profile_id, amount + charge`,
			reference, status, transferID, reasonFor(successful, reason),
		).Scan(&profileID, &total)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		if !successful {
			if err := creditBalance(ctx, tx, profileID, total); err != nil {
				return err
			}
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return settled, err
	}

	message := fmt.Sprintf("Your withdrawal %s was paid out", reference)
	if !successful {
		message = fmt.Sprintf("Your withdrawal %s failed and %s was refunded", reference, total.StringFixed(2))
	}
	if err := notify(ctx, Notifications.Input{
		RecipientProfileID: profileID,
		Type:               Notifications.TypeWithdrawal,
		Message:            message,
	}); err != nil {
		log.Printf("settleWithdrawal: failed to notify: %v", err)
	}
	return true, nil
}

func reasonFor(successful bool, reason string) string {
	if successful {
		return ""
	}
	if reason == "" {
		return "transfer failed"
	}
	return reason
}
