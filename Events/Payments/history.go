package payments

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/shopspring/decimal"

	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

// History types
const (
	TypeSubscription = "subscription"
	TypePromotion    = "promotion"
	TypeWithdrawal   = "withdrawal"
	TypeDeposit      = "deposit"
	TypeBeatPurchase = "beat_purchase"
	TypeBeatSale     = "beat_sale"
)

var historyTypes = map[string]bool{
	TypeSubscription: true,
	TypePromotion:    true,
	TypeWithdrawal:   true,
	TypeDeposit:      true,
	TypeBeatPurchase: true,
	TypeBeatSale:     true,
}

// transactionsUnion lists every money movement. $1 is a profile id, or '' for all profiles.
const transactionsUnion = `
	SELECT 'subscription' AS type, tx_ref AS reference, profile_id, amount, status, created_at
		FROM subscription_transactions WHERE $1 = '' OR profile_id::text = $1
	UNION ALL
	SELECT 'promotion', tx_ref, profile_id, amount, status, created_at
		FROM promotion_transactions WHERE $1 = '' OR profile_id::text = $1
	UNION ALL
	SELECT 'withdrawal', reference, profile_id, amount + charge, status, created_at
		FROM withdrawals WHERE $1 = '' OR profile_id::text = $1
	UNION ALL
	SELECT 'deposit', reference, profile_id, amount, 'successful', created_at
		FROM deposits WHERE $1 = '' OR profile_id::text = $1
	UNION ALL
	SELECT 'beat_purchase', tx_ref, buyer_profile_id, amount, status, created_at
		FROM beat_purchases WHERE $1 = '' OR buyer_profile_id::text = $1
	UNION ALL
	SELECT 'beat_sale', tx_ref, seller_profile_id, amount, status, created_at
		FROM beat_purchases WHERE $1 <> '' AND seller_profile_id::text = $1 AND status = 'paid'`

// QueryHistory pages through transactions, newest first. An empty profileID
// covers every profile and an empty txType every type.
func QueryHistory(ctx context.Context, profileID, txType string, limit, offset int) ([]HistoryEntry, int, error) {
	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT t.type, t.reference, t.profile_id, t.amount, t.status, t.created_at, COUNT(*) OVER()
		FROM (`+transactionsUnion+`) t
		WHERE $2 = '' OR t.type = $2
		ORDER BY t.created_at DESC
		LIMIT $3 OFFSET $4`,
		profileID, txType, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("QueryHistory: query: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	total := 0
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Type, &e.Reference, &e.ProfileID, &e.Amount, &e.Status, &e.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("QueryHistory: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("QueryHistory: rows: %w", err)
	}
	return entries, total, nil
}

// HistoryTotals sums settled amounts per type.
func HistoryTotals(ctx context.Context, profileID string) (map[string]decimal.Decimal, error) {
	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT t.type, COALESCE(SUM(t.amount), 0)
		FROM (`+transactionsUnion+`) t
		WHERE t.status IN ('successful', 'paid', 'active', 'expired')
		GROUP BY t.type`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("HistoryTotals: query: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal, len(historyTypes))
	for t := range historyTypes {
		totals[t] = decimal.Zero
	}
	for rows.Next() {
		var t string
		var sum decimal.Decimal
		if err := rows.Scan(&t, &sum); err != nil {
			return nil, fmt.Errorf("HistoryTotals: scan: %w", err)
		}
		totals[t] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("HistoryTotals: rows: %w", err)
	}
	return totals, nil
}

// TransactionHistory returns the caller's money movements with totals per type
// Query params: ?limit=20&offset=0&type=withdrawal
func TransactionHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := GetClaims(r)
	if !ok {
		Utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	txType := r.URL.Query().Get("type")
	if txType != "" && !historyTypes[txType] {
		Utils.SendErrorResponse(w, http.StatusBadRequest, "Unknown transaction type")
		return
	}
	limit, offset := Utils.ParsePagination(r)

	entries, total, err := QueryHistory(ctx, claims.ProfileID, txType, limit, offset)
	if err != nil {
		log.Printf("TransactionHistory: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch transactions")
		return
	}
	totals, err := HistoryTotals(ctx, claims.ProfileID)
	if err != nil {
		log.Printf("TransactionHistory: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch transactions")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{
		"transactions": entries,
		"totals":       totals,
		"limit":        limit,
		"offset":       offset,
		"total":        total,
	})
}
