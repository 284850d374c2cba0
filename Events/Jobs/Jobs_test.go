package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Notifications "zuum/Events/Notifications"
	Posts "zuum/Events/Posts"
	Mail "zuum/Services/Mail"
	Mdb "zuum/Services/Mdb"
	Storage "zuum/Services/Storage"
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

func recordNotifications(t *testing.T) *[]Notifications.Input {
	t.Helper()
	prev := notify
	var sent []Notifications.Input
	notify = func(ctx context.Context, in Notifications.Input) error {
		sent = append(sent, in)
		return nil
	}
	t.Cleanup(func() { notify = prev })
	return &sent
}

type fakeStorage struct {
	Storage.Backend
	signed []string
}

func (f *fakeStorage) PresignDownload(ctx context.Context, objectKey string, expiration time.Duration) (string, error) {
	f.signed = append(f.signed, objectKey)
	return "https://cdn.test/" + objectKey + "?sig=1", nil
}

type fakeMailer struct {
	fail map[string]bool
	sent []string
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	if f.fail[to] {
		return errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, to)
	return nil
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"beats", "promotions", "subscriptions"}, Names())
}

func TestRunJobUnknown(t *testing.T) {
	_, err := RunJob(context.Background(), "laundry")
	assert.Error(t, err)
}

func TestExpirePromotions(t *testing.T) {
	mock := setupMockDB(t)
	mock.ExpectQuery("WITH expired AS").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	results, err := RunJob(context.Background(), "promotions")

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"promotions": 3}, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireSubscriptionsNotifies(t *testing.T) {
	mock := setupMockDB(t)
	sent := recordNotifications(t)

	mock.ExpectQuery("UPDATE profiles SET subscription_status = 'expired'").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1").AddRow("p2"))

	changed, err := ExpireSubscriptions(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	require.Len(t, *sent, 2)
	assert.Equal(t, Notifications.TypeSubscription, (*sent)[0].Type)
	assert.Equal(t, "p2", (*sent)[1].RecipientProfileID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAllReportsFirstError(t *testing.T) {
	mock := setupMockDB(t)
	recordNotifications(t)

	mock.ExpectQuery("FROM beat_purchases").WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("WITH expired AS").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("UPDATE profiles SET subscription_status").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	results, err := RunJob(context.Background(), "all")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "beats")
	assert.Equal(t, map[string]int{"beats": 0, "promotions": 0, "subscriptions": 0}, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverPurchasedBeats(t *testing.T) {
	mock := setupMockDB(t)
	sent := recordNotifications(t)

	store := &fakeStorage{}
	mailer := &fakeMailer{fail: map[string]bool{"bounce@example.com": true}}
	prevStore, prevMail := Storage.Default, Mail.Default
	Storage.Default, Mail.Default = store, mailer
	t.Cleanup(func() { Storage.Default, Mail.Default = prevStore, prevMail })

	mock.ExpectQuery("FROM beat_purchases").WithArgs(deliveryBatch, MaxDeliveryAttempts, Posts.StatusReady).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "caption", "media_key", "buyer_profile_id", "post_id", "delivery_attempts"}).
			AddRow(2, "bounce@example.com", "", "beats/b2", "p2", "b2", 0).
			AddRow(1, "ada@example.com", "Lagos nights", "beats/b1", "p1", "b1", 2))
	mock.ExpectExec("UPDATE beat_purchases SET delivery_attempts = delivery_attempts \\+ 1").WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE beat_purchases SET delivered_at").WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	delivered, err := DeliverPurchasedBeats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"beats/b2", "beats/b1"}, store.signed)
	assert.Equal(t, []string{"ada@example.com"}, mailer.sent)
	require.Len(t, *sent, 1)
	assert.Equal(t, "p1", (*sent)[0].RecipientProfileID)
	assert.Equal(t, Notifications.TypePurchase, (*sent)[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverPurchasedBeatsQueueOrder(t *testing.T) {
	mock := setupMockDB(t)
	recordNotifications(t)

	mock.ExpectQuery(`p\.status = \$3 AND bp\.delivery_attempts < \$2\s+ORDER BY bp\.last_attempt_at NULLS FIRST`).
		WithArgs(deliveryBatch, MaxDeliveryAttempts, Posts.StatusReady).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "caption", "media_key", "buyer_profile_id", "post_id", "delivery_attempts"}))

	delivered, err := DeliverPurchasedBeats(context.Background())

	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverPurchasedBeatsStopsWhenAttemptCannotBeRecorded(t *testing.T) {
	mock := setupMockDB(t)
	recordNotifications(t)

	mailer := &fakeMailer{fail: map[string]bool{"bounce@example.com": true}}
	prevStore, prevMail := Storage.Default, Mail.Default
	Storage.Default, Mail.Default = &fakeStorage{}, mailer
	t.Cleanup(func() { Storage.Default, Mail.Default = prevStore, prevMail })

	mock.ExpectQuery("FROM beat_purchases").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "caption", "media_key", "buyer_profile_id", "post_id", "delivery_attempts"}).
			AddRow(7, "bounce@example.com", "", "beats/b7", "p7", "b7", MaxDeliveryAttempts-1))
	mock.ExpectExec("UPDATE beat_purchases SET delivery_attempts").WithArgs(int64(7)).
		WillReturnError(errors.New("connection reset"))

	_, err := DeliverPurchasedBeats(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "record attempt")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Setenv("CRON_SCHEDULE", "every tuesday")
	_, err := Start()
	assert.Error(t, err)
}
