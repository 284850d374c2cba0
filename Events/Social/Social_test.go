package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Notifications "zuum/Events/Notifications"
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

// asCaller stubs authentication and records notifications instead of storing them.
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

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReactionDelta(t *testing.T) {
	tests := []struct {
		name               string
		prev, next         ReactionState
		wantLikes, wantUnl int
		wantErr            error
	}{
		{"first like", ReactionState{}, ReactionState{Liked: true}, 1, 0, nil},
		{"like to unlike", ReactionState{Liked: true}, ReactionState{Unliked: true}, -1, 1, nil},
		{"clear unlike", ReactionState{Unliked: true}, ReactionState{}, 0, -1, nil},
		{"both set", ReactionState{}, ReactionState{Liked: true, Unliked: true}, 0, 0, ErrReactionConflict},
		{"unchanged", ReactionState{Liked: true}, ReactionState{Liked: true}, 0, 0, ErrReactionUnchanged},
		{"unchanged empty", ReactionState{}, ReactionState{}, 0, 0, ErrReactionUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			likes, unlikes, err := ReactionDelta(tt.prev, tt.next)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantLikes, likes)
			assert.Equal(t, tt.wantUnl, unlikes)
		})
	}
}

func TestValidateComment(t *testing.T) {
	got, err := ValidateComment("  fire track  ")
	require.NoError(t, err)
	assert.Equal(t, "fire track", got)

	_, err = ValidateComment("   ")
	assert.Error(t, err)

	_, err = ValidateComment(strings.Repeat("é", MaxCommentLength))
	assert.NoError(t, err)

	_, err = ValidateComment(strings.Repeat("a", MaxCommentLength+1))
	assert.Error(t, err)
}

func TestFollowSelfRejected(t *testing.T) {
	setupMockDB(t)
	asCaller(t, "p1")

	w := serve(httptest.NewRequest(http.MethodPost, "/follow/p1", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrSelfFollow.Error())
}

func TestFollowUnknownProfile(t *testing.T) {
	mock := setupMockDB(t)
	asCaller(t, "p1")

	mock.ExpectQuery("SELECT EXISTS").WithArgs("p2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	w := serve(httptest.NewRequest(http.MethodPost, "/follow/p2", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowUpdatesCountersAndNotifies(t *testing.T) {
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")

	mock.ExpectQuery("SELECT EXISTS").WithArgs("p2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO follows").WithArgs("p1", "p2").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE profiles SET followers").WithArgs(1, "p2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE profiles SET following").WithArgs(1, "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := serve(httptest.NewRequest(http.MethodPut, "/follow/p2", strings.NewReader(`{"active":true}`)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":true`)
	require.Len(t, *sent, 1)
	assert.Equal(t, Notifications.TypeFollow, (*sent)[0].Type)
	assert.Equal(t, "p2", (*sent)[0].RecipientProfileID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnfollowWhenNotFollowingIsNoop(t *testing.T) {
	mock := setupMockDB(t)
	sent := asCaller(t, "p1")

	mock.ExpectQuery("SELECT EXISTS").WithArgs("p2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE follows SET active = FALSE").WithArgs("p1", "p2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w := serve(httptest.NewRequest(http.MethodPost, "/unfollow/p2", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":false`)
	assert.Empty(t, *sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetFollowRequiresActive(t *testing.T) {
	setupMockDB(t)
	asCaller(t, "p1")

	w := serve(httptest.NewRequest(http.MethodPut, "/follow/p2", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReactConflictRejectedBeforeDB(t *testing.T) {
	mock := setupMockDB(t)
	asCaller(t, "p1")

	w := serve(httptest.NewRequest(http.MethodPut, "/posts/post-1/reaction",
		strings.NewReader(`{"like":true,"unlike":true}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnauthenticated(t *testing.T) {
	prev := GetClaims
	GetClaims = func(r *http.Request) (*Auth.Token, bool) { return nil, false }
	t.Cleanup(func() { GetClaims = prev })

	w := serve(httptest.NewRequest(http.MethodPost, "/follow/p2", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
