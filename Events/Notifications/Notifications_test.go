package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Auth "zuum/Services/Auth"
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

func asUser(t *testing.T, uid string) {
	t.Helper()
	prev := GetClaims
	GetClaims = func(r *http.Request) (*Auth.Token, bool) {
		return &Auth.Token{UID: uid, ProfileID: "profile-" + uid}, true
	}
	t.Cleanup(func() { GetClaims = prev })
}

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNotifySkipsSelfAndEmptyRecipient(t *testing.T) {
	mock := setupMockDB(t)

	require.NoError(t, Notify(context.Background(), Input{RecipientProfileID: "p1", ActorProfileID: "p1", Type: TypeLike}))
	require.NoError(t, Notify(context.Background(), Input{Type: TypePayment}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyStoresWithActor(t *testing.T) {
	mock := setupMockDB(t)

	mock.ExpectQuery("INSERT INTO notifications").
		WithArgs("p2", "p1", TypeComment, "post-1", "audio", "%s commented on your post").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "message", "created_at"}).
			AddRow(4, "u2", "ada commented on your post", time.Now()))

	err := Notify(context.Background(), Input{
		RecipientProfileID: "p2",
		ActorProfileID:     "p1",
		Type:               TypeComment,
		PostID:             "post-1",
		PostKind:           "audio",
		Message:            "%s commented on your post",
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifySystemEventHasNoActor(t *testing.T) {
	mock := setupMockDB(t)

	mock.ExpectQuery("INSERT INTO notifications").
		WithArgs("p2", nil, TypeSubscription, nil, nil, "Your subscription has expired").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "message", "created_at"}).
			AddRow(5, "u2", "Your subscription has expired", time.Now()))

	require.NoError(t, Notify(context.Background(), Input{
		RecipientProfileID: "p2",
		Type:               TypeSubscription,
		Message:            "Your subscription has expired",
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListNotifications(t *testing.T) {
	mock := setupMockDB(t)
	asUser(t, "u2")

	mock.ExpectQuery("FROM notifications n").WithArgs("u2", true, 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "actor_profile_id", "username", "profile_image", "type",
			"post_id", "post_kind", "message", "is_read", "created_at", "total"}).
			AddRow(9, "u2", "p1", "ada", nil, TypeFollow, nil, nil, "ada followed you", false, time.Now(), 1))

	w := serve(httptest.NewRequest(http.MethodGet, "/?unread=true", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"actor_username":"ada"`)
	assert.Contains(t, w.Body.String(), `"total":1`)
	assert.NotContains(t, w.Body.String(), `"post_id"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadInvalidID(t *testing.T) {
	setupMockDB(t)
	asUser(t, "u2")

	w := serve(httptest.NewRequest(http.MethodPut, "/abc/read", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkReadForeignNotification(t *testing.T) {
	mock := setupMockDB(t)
	asUser(t, "u2")

	mock.ExpectExec("UPDATE notifications SET is_read = TRUE WHERE id").WithArgs(int64(12), "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := serve(httptest.NewRequest(http.MethodPut, "/12/read", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAllRead(t *testing.T) {
	mock := setupMockDB(t)
	asUser(t, "u2")

	mock.ExpectExec("UPDATE notifications SET is_read = TRUE WHERE user_id").WithArgs("u2").
		WillReturnResult(sqlmock.NewResult(0, 3))

	w := serve(httptest.NewRequest(http.MethodPut, "/read", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"updated":3`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
