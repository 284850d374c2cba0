package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	Notifications "zuum/Events/Notifications"
	Posts "zuum/Events/Posts"
	Mail "zuum/Services/Mail"
	Mdb "zuum/Services/Mdb"
	Storage "zuum/Services/Storage"
	Utils "zuum/Utils"
)

const (
	DefaultSchedule  = "0 0 * * *"
	DownloadValidity = 24 * time.Hour
	jobTimeout       = 10 * time.Minute
	deliveryBatch    = 200
)

// MaxDeliveryAttempts failed sends park a purchase for manual follow-up.
const MaxDeliveryAttempts = 5

// Job is one reconciliation pass. It returns the number of rows it changed.
type Job func(ctx context.Context) (int, error)

// Registry maps job names accepted by RunJob to their implementation.
var Registry = map[string]Job{
	"subscriptions": ExpireSubscriptions,
	"promotions":    ExpirePromotions,
	"beats":         DeliverPurchasedBeats,
}

var notify = Notifications.Notify

// Names returns the registered job names in a stable order.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs one job by name, or every job for "all".
func RunJob(ctx context.Context, name string) (map[string]int, error) {
	if name == "all" {
		results := make(map[string]int, len(Registry))
		var firstErr error
		for _, n := range Names() {
			changed, err := runLogged(ctx, n, Registry[n])
			results[n] = changed
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return results, firstErr
	}

	job, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	changed, err := runLogged(ctx, name, job)
	return map[string]int{name: changed}, err
}

func runLogged(ctx context.Context, name string, job Job) (int, error) {
	start := time.Now()
	changed, err := job(ctx)
	if err != nil {
		log.Printf("Jobs: %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		return changed, fmt.Errorf("%s: %w", name, err)
	}
	log.Printf("Jobs: %s changed %d rows in %s", name, changed, time.Since(start).Round(time.Millisecond))
	return changed, nil
}

// Start schedules every job on CRON_SCHEDULE. A run still in progress makes
// the next tick skip. Call Stop on the returned scheduler at shutdown.
func Start() (*cron.Cron, error) {
	schedule := Utils.GetEnvAsString("CRON_SCHEDULE", DefaultSchedule)
	logger := cron.VerbosePrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if _, err := RunJob(ctx, "all"); err != nil {
			log.Printf("Jobs: scheduled run finished with errors: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid CRON_SCHEDULE %q: %w", schedule, err)
	}

	c.Start()
	log.Printf("Jobs: scheduled %v on %q", Names(), schedule)
	return c, nil
}

// ExpireSubscriptions marks lapsed subscriptions expired. The condition is
// re-checked under the row lock, so a renewal committed first is kept.
func ExpireSubscriptions(ctx context.Context) (int, error) {
	rows, err := Mdb.DB.QueryContext(ctx,
		`UPDATE profiles SET subscription_status = 'expired', updated_at = NOW()
		WHERE subscription_status = 'active' AND subscription_expires_at < NOW()
		RETURNING id`)
	if err != nil {
		return 0, fmt.Errorf("ExpireSubscriptions: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return len(expired), fmt.Errorf("ExpireSubscriptions: scan: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return len(expired), fmt.Errorf("ExpireSubscriptions: rows: %w", err)
	}

	for _, id := range expired {
		if err := notify(ctx, Notifications.Input{
			RecipientProfileID: id,
			Type:               Notifications.TypeSubscription,
			Message:            "Your subscription has expired",
		}); err != nil {
			log.Printf("ExpireSubscriptions: failed to notify %s: %v", id, err)
		}
	}
	return len(expired), nil
}

// ExpirePromotions closes finished promotions and clears the listing boost of
// posts whose last promotion has ended.
func ExpirePromotions(ctx context.Context) (int, error) {
	var changed int
	err := Mdb.DB.QueryRowContext(ctx,
		`WITH expired AS (
			UPDATE promotion_transactions SET status = 'expired'
			WHERE status = 'active' AND expires_at < NOW()
			RETURNING post_id
		), cleared AS (
			UPDATE posts SET promoted_until = NULL
			WHERE id IN (SELECT post_id FROM expired) AND promoted_until <= NOW()
			RETURNING id
		)
		SELECT COUNT(*) FROM expired`,
	).Scan(&changed)
	if err != nil {
		return 0, fmt.Errorf("ExpirePromotions: %w", err)
	}
	return changed, nil
}

type pendingDelivery struct {
	ID       int64
	Email    string
	Caption  string
	MediaKey string
	BuyerID  string
	PostID   string
	Attempts int
}

// DeliverPurchasedBeats mails a download link for every paid beat not yet
// delivered. A failed send is retried on later runs, least recently tried
// first, until MaxDeliveryAttempts is reached.
func DeliverPurchasedBeats(ctx context.Context) (int, error) {
	rows, err := Mdb.DB.QueryContext(ctx,
		`SELECT bp.id, u.email, p.caption, p.media_key, bp.buyer_profile_id, p.id, bp.delivery_attempts
		FROM beat_purchases bp
		JOIN posts p ON p.id = bp.post_id
		JOIN profiles pr ON pr.id = bp.buyer_profile_id
		JOIN users u ON u.id = pr.user_id
		WHERE bp.status = 'paid' AND bp.delivered_at IS NULL
			AND p.status = $3 AND bp.delivery_attempts < $2
		ORDER BY bp.last_attempt_at NULLS FIRST, bp.paid_at
		LIMIT $1`,
		deliveryBatch, MaxDeliveryAttempts, Posts.StatusReady,
	)
	if err != nil {
		return 0, fmt.Errorf("DeliverPurchasedBeats: query: %w", err)
	}
	var pending []pendingDelivery
	for rows.Next() {
		var d pendingDelivery
		if err := rows.Scan(&d.ID, &d.Email, &d.Caption, &d.MediaKey, &d.BuyerID, &d.PostID, &d.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("DeliverPurchasedBeats: scan: %w", err)
		}
		pending = append(pending, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("DeliverPurchasedBeats: rows: %w", err)
	}

	delivered := 0
	for _, d := range pending {
		link, err := Storage.Default.PresignDownload(ctx, d.MediaKey, DownloadValidity)
		if err != nil {
			log.Printf("DeliverPurchasedBeats: failed to sign %s: %v", d.MediaKey, err)
			if err := recordDeliveryFailure(ctx, d); err != nil {
				return delivered, err
			}
			continue
		}
		title := d.Caption
		if title == "" {
			title = "your beat"
		}
		subject, body := Mail.BeatDeliveryEmail(title, link)
		if err := Mail.Default.Send(ctx, d.Email, subject, body); err != nil {
			log.Printf("DeliverPurchasedBeats: failed to mail purchase %d: %v", d.ID, err)
			if err := recordDeliveryFailure(ctx, d); err != nil {
				return delivered, err
			}
			continue
		}
		if _, err := Mdb.DB.ExecContext(ctx,
			`UPDATE beat_purchases SET delivered_at = NOW() WHERE id = $1 AND delivered_at IS NULL`, d.ID,
		); err != nil {
			return delivered, fmt.Errorf("DeliverPurchasedBeats: mark delivered: %w", err)
		}
		delivered++

		if err := notify(ctx, Notifications.Input{
			RecipientProfileID: d.BuyerID,
			Type:               Notifications.TypePurchase,
			PostID:             d.PostID,
			PostKind:           string(Posts.KindBeat),
			Message:            "Your beat download link was sent to your email",
		}); err != nil {
			log.Printf("DeliverPurchasedBeats: failed to notify: %v", err)
		}
	}
	return delivered, nil
}

func recordDeliveryFailure(ctx context.Context, d pendingDelivery) error {
	if _, err := Mdb.DB.ExecContext(ctx,
		`UPDATE beat_purchases SET delivery_attempts = delivery_attempts + 1, last_attempt_at = NOW() WHERE id = $1`, d.ID,
	); err != nil {
		return fmt.Errorf("DeliverPurchasedBeats: record attempt: %w", err)
	}
	if d.Attempts+1 >= MaxDeliveryAttempts {
		log.Printf("DeliverPurchasedBeats: giving up on purchase %d after %d attempts", d.ID, MaxDeliveryAttempts)
	}
	return nil
}
