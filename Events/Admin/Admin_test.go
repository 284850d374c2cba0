package admin

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
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

func asAdmin(t *testing.T, uid string) {
	t.Helper()
	prev := GetClaims
	GetClaims = func(r *http.Request) (*Auth.Token, bool) {
		return &Auth.Token{UID: uid, ProfileID: "profile-" + uid, Role: Auth.AdminRole}, true
	}
	t.Cleanup(func() { GetClaims = prev })
}

// expectAdmin answers the per-request account re-check.
func expectAdmin(mock sqlmock.Sqlmock, uid, identity string, deactivated bool) {
	mock.ExpectQuery("SELECT identity, deactivated FROM users").WithArgs(uid).
		WillReturnRows(sqlmock.NewRows([]string{"identity", "deactivated"}).AddRow(identity, deactivated))
}

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdminRejectsDemotedAccount(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", "artist", false)

	w := serve(httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireAdminRejectsDeactivatedAdmin(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, true)

	w := serve(httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdminUnknownAccount(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	mock.ExpectQuery("SELECT identity, deactivated FROM users").WithArgs("u1").WillReturnError(sql.ErrNoRows)

	w := serve(httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserFilter(t *testing.T) {
	q := url.Values{}
	q.Set("username", " Ada ")
	q.Set("identity", "Producer")
	q.Set("verified", "true")
	q.Set("created_after", "2026-01-01")
	req := httptest.NewRequest(http.MethodGet, "/users?"+q.Encode(), nil)

	conditions, args, errs := userFilter(req)

	assert.Empty(t, errs)
	assert.Equal(t, []string{
		"LOWER(u.username) LIKE $1",
		"u.identity = $2",
		"u.is_verified = $3",
		"u.created_at >= $4",
	}, conditions)
	require.Len(t, args, 4)
	assert.Equal(t, "%ada%", args[0])
	assert.Equal(t, "producer", args[1])
	assert.Equal(t, true, args[2])
}

func TestUserFilterRejectsBadValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/users?deactivated=maybe&created_before=yesterday", nil)

	conditions, _, errs := userFilter(req)

	assert.Empty(t, conditions)
	require.Len(t, errs, 2)
	assert.Equal(t, "deactivated", errs[0].Field)
	assert.Equal(t, "created_before", errs[1].Field)
}

func TestSetUserDeactivatedRequiresValue(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)

	w := serve(httptest.NewRequest(http.MethodPut, "/users/u2/deactivated", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "deactivated")
}

func TestSetUserDeactivatedSelf(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)

	w := serve(httptest.NewRequest(http.MethodPut, "/users/u1/deactivated", strings.NewReader(`{"deactivated":true}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetUserDeactivated(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)
	mock.ExpectQuery("UPDATE users u SET deactivated").WithArgs("u2", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "display_name", "identity", "profile_image"}).
			AddRow("p2", "obi", "Obi", "artist", ""))

	w := serve(httptest.NewRequest(http.MethodPut, "/users/u2/deactivated", strings.NewReader(`{"deactivated":true}`)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"profile_id":"p2"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResyncCounters(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE posts p SET likes").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE profiles pr SET followers").WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	w := serve(httptest.NewRequest(http.MethodPost, "/counters/resync", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"posts":2`)
	assert.Contains(t, w.Body.String(), `"profiles":5`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunUnknownJob(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)

	w := serve(httptest.NewRequest(http.MethodPost, "/jobs/laundry", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTransactionsBeatSaleNeedsProfile(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)

	w := serve(httptest.NewRequest(http.MethodGet, "/transactions?type=beat_sale", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeletePostWithOpenPurchases(t *testing.T) {
	mock := setupMockDB(t)
	asAdmin(t, "u1")
	expectAdmin(mock, "u1", Auth.AdminRole, false)
	now := time.Now()
	mock.ExpectQuery("FROM posts p JOIN profiles pr").WithArgs("beat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "profile_id", "username", "profile_image", "caption",
			"description", "genre", "tags", "media_key", "cover_key", "media_url", "cover_url", "status", "price",
			"likes", "unlikes", "comments", "shares", "views", "promoted_until", "created_at", "updated_at"}).
			AddRow("beat-1", "beat", "p2", "obi", "", "Lagos nights", "", "afrobeats", "{}", "beats/beat-1", "",
				"", "", "ready", "5000.00", 0, 0, 0, 0, 0, nil, now, now))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM posts WHERE id").WithArgs("beat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("beat-1"))
	mock.ExpectQuery("FROM beat_purchases WHERE post_id").WithArgs("beat-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	w := serve(httptest.NewRequest(http.MethodDelete, "/posts/beat-1", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
