package payments

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	Mdb "zuum/Services/Mdb"
	Utils "zuum/Utils"
)

// PlanSeed is one entry of the plans file.
type PlanSeed struct {
	Name         string `yaml:"name"`
	Amount       string `yaml:"amount"`
	Currency     string `yaml:"currency"`
	IntervalDays int    `yaml:"interval_days"`
	Description  string `yaml:"description"`
	Active       *bool  `yaml:"active"`
}

type planFile struct {
	Plans []PlanSeed `yaml:"plans"`
}

// ParsePlans decodes and validates a plans document.
func ParsePlans(r io.Reader) ([]PaymentPlan, error) {
	var file planFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode plans: %w", err)
	}

	plans := make([]PaymentPlan, 0, len(file.Plans))
	seen := make(map[string]bool)
	for i, seed := range file.Plans {
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			return nil, fmt.Errorf("plan %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("plan %q: duplicate name", name)
		}
		seen[name] = true

		amount, err := decimal.NewFromString(seed.Amount)
		if err != nil || !amount.IsPositive() {
			return nil, fmt.Errorf("plan %q: amount must be a positive decimal", name)
		}
		if seed.IntervalDays <= 0 {
			return nil, fmt.Errorf("plan %q: interval_days must be positive", name)
		}
		currency := strings.ToUpper(strings.TrimSpace(seed.Currency))
		if currency == "" {
			currency = DefaultCurrency
		}
		active := true
		if seed.Active != nil {
			active = *seed.Active
		}

		plans = append(plans, PaymentPlan{
			Name:         name,
			Amount:       amount,
			Currency:     currency,
			IntervalDays: seed.IntervalDays,
			Description:  seed.Description,
			Active:       active,
		})
	}
	return plans, nil
}

// SeedPlans upserts the plans listed in PLANS_FILE (DB/plans.yaml by default).
func SeedPlans(ctx context.Context) (int, error) {
	path := Utils.GetEnvAsString("PLANS_FILE", "DB/plans.yaml")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open plans file: %w", err)
	}
	defer f.Close()

	plans, err := ParsePlans(f)
	if err != nil {
		return 0, err
	}

	for _, p := range plans {
		if _, err := Mdb.DB.ExecContext(ctx,
			`INSERT INTO payment_plans (name, amount, currency, interval_days, description, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE SET amount = EXCLUDED.amount, currency = EXCLUDED.currency,
				interval_days = EXCLUDED.interval_days, description = EXCLUDED.description, active = EXCLUDED.active`,
			p.Name, p.Amount, p.Currency, p.IntervalDays, p.Description, p.Active,
		); err != nil {
			return 0, fmt.Errorf("failed to seed plan %q: %w", p.Name, err)
		}
	}
	log.Printf("SeedPlans: %d plans seeded from %s", len(plans), path)
	return len(plans), nil
}

const planColumns = `id, name, amount, currency, interval_days, description, active`

func fetchPlan(ctx context.Context, id int) (*PaymentPlan, error) {
	var p PaymentPlan
	err := Mdb.DB.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM payment_plans WHERE id = $1 AND active`, id,
	).Scan(&p.ID, &p.Name, &p.Amount, &p.Currency, &p.IntervalDays, &p.Description, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns the active subscription plans, cheapest first
func ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT `+planColumns+` FROM payment_plans WHERE active ORDER BY amount ASC, id ASC`)
	if err != nil {
		log.Printf("ListPlans: failed to query plans: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch plans")
		return
	}
	defer rows.Close()

	plans := []PaymentPlan{}
	for rows.Next() {
		var p PaymentPlan
		if err := rows.Scan(&p.ID, &p.Name, &p.Amount, &p.Currency, &p.IntervalDays, &p.Description, &p.Active); err != nil {
			log.Printf("ListPlans: failed to scan plan: %v", err)
			Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch plans")
			return
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		log.Printf("ListPlans: row iteration error: %v", err)
		Utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to fetch plans")
		return
	}

	Utils.SendSuccessResponse(w, map[string]interface{}{"plans": plans})
}
