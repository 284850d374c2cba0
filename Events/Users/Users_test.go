package users

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

func serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	Handle(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"ada", "Ada_Obi", "beats_by_9ice"} {
		assert.NoError(t, ValidateUsername(ok), ok)
	}
	for _, bad := range []string{"", "ab", "has space", "dash-name", strings.Repeat("a", MaxUsernameLength+1)} {
		assert.Error(t, ValidateUsername(bad), bad)
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail(" Ada@Example.com "))
	assert.Error(t, ValidateEmail(""))
	assert.Error(t, ValidateEmail("ada@"))
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("12345678"))
	assert.Error(t, ValidatePassword("1234567"))
	assert.Error(t, ValidatePassword(strings.Repeat("p", 73)))
}

func TestValidateIdentity(t *testing.T) {
	for _, id := range []string{IdentityArtist, IdentityRecordLabel, IdentityProducer} {
		assert.NoError(t, ValidateIdentity(id))
	}
	assert.Error(t, ValidateIdentity(IdentityAdmin))
	assert.Error(t, ValidateIdentity(""))
}

func TestValidateBioAndDisplayName(t *testing.T) {
	assert.NoError(t, ValidateBio(""))
	assert.Error(t, ValidateBio(strings.Repeat("b", MaxBioLength+1)))
	assert.Error(t, ValidateDisplayName("   "))
	assert.NoError(t, ValidateDisplayName("Ada Obi"))
}

func TestUsernameAvailability(t *testing.T) {
	mock := setupMockDB(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ada_obi").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	w := serve(httptest.NewRequest(http.MethodGet, "/availability/Ada_Obi", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":false`)
	assert.Contains(t, w.Body.String(), `"username":"ada_obi"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsernameAvailabilityInvalid(t *testing.T) {
	mock := setupMockDB(t)

	w := serve(httptest.NewRequest(http.MethodGet, "/availability/a!", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSelfUnauthenticated(t *testing.T) {
	prev := GetClaims
	GetClaims = func(r *http.Request) (*Auth.Token, bool) { return nil, false }
	t.Cleanup(func() { GetClaims = prev })

	w := serve(httptest.NewRequest(http.MethodGet, "/self", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
