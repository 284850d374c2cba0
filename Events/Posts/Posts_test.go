package posts

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Mdb "zuum/Services/Mdb"
	Storage "zuum/Services/Storage"
	Utils "zuum/Utils"
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

func strPtr(s string) *string { return &s }

func TestParseKind(t *testing.T) {
	for _, in := range []string{"audio", "BEAT", "Video"} {
		k, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, Kind(strings.ToLower(in)), k)
	}
	_, err := ParseKind("podcast")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "beats/p1", KindBeat.MediaKey("p1"))
	assert.Equal(t, "videos/p1", KindVideo.MediaKey("p1"))
	assert.Equal(t, "audio/p1", KindAudio.MediaKey("p1"))
	assert.Equal(t, "covers/beat/p1.jpg", KindBeat.CoverKey("p1"))
}

func TestValidateCreate(t *testing.T) {
	price := decimal.NewFromInt(5000)
	zero := decimal.Zero

	tests := []struct {
		name   string
		kind   Kind
		in     PostInput
		fields []string
	}{
		{"audio ok", KindAudio, PostInput{Caption: strPtr("New single")}, nil},
		{"caption required", KindAudio, PostInput{}, []string{"caption"}},
		{"blank caption", KindVideo, PostInput{Caption: strPtr("   ")}, []string{"caption"}},
		{"beat needs price", KindBeat, PostInput{Caption: strPtr("Trap beat")}, []string{"price"}},
		{"beat zero price", KindBeat, PostInput{Caption: strPtr("Trap beat"), Price: &zero}, []string{"price"}},
		{"beat ok", KindBeat, PostInput{Caption: strPtr("Trap beat"), Price: &price}, nil},
		{"audio priced", KindAudio, PostInput{Caption: strPtr("x"), Price: &price}, []string{"price"}},
		{"too many tags", KindAudio, PostInput{Caption: strPtr("x"), Tags: make([]string, MaxTags+1)}, []string{"tags", "tags"}},
		{"long caption", KindAudio, PostInput{Caption: strPtr(strings.Repeat("a", MaxCaptionLength+1))}, []string{"caption"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.in.Validate(tt.kind, true)
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestValidateUpdateAllowsPartial(t *testing.T) {
	in := PostInput{}
	assert.Empty(t, in.Validate(KindBeat, false))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"afrobeats", "amapiano"}, normalizeTags([]string{" Afrobeats", "amapiano", "AFROBEATS", ""}))
}

func TestMediaWebhookRejectsBadSignature(t *testing.T) {
	MediaWebhookSecret = []byte("media-secret")
	t.Cleanup(func() { MediaWebhookSecret = nil })

	body := `{"post_id":"p1","status":"ready"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/media", strings.NewReader(body))
	req.Header.Set("X-Media-Signature", Utils.SignHMACSHA256([]byte("wrong"), []byte(body)))
	w := httptest.NewRecorder()

	MediaWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMediaWebhookMarksFailed(t *testing.T) {
	mock := setupMockDB(t)
	MediaWebhookSecret = []byte("media-secret")
	t.Cleanup(func() { MediaWebhookSecret = nil })

	mock.ExpectExec("UPDATE posts SET status").
		WithArgs("p1", StatusFailed, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"post_id":"p1","status":"failed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/media", strings.NewReader(body))
	req.Header.Set("X-Media-Signature", "sha256="+Utils.SignHMACSHA256(MediaWebhookSecret, []byte(body)))
	w := httptest.NewRecorder()

	MediaWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMediaWebhookUnknownPost(t *testing.T) {
	mock := setupMockDB(t)
	MediaWebhookSecret = []byte("media-secret")
	t.Cleanup(func() { MediaWebhookSecret = nil })

	mock.ExpectExec("UPDATE posts SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	body := `{"post_id":"missing","status":"failed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/media", strings.NewReader(body))
	req.Header.Set("X-Media-Signature", Utils.SignHMACSHA256(MediaWebhookSecret, []byte(body)))
	w := httptest.NewRecorder()

	MediaWebhook(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMediaWebhookRejectsUnknownStatus(t *testing.T) {
	MediaWebhookSecret = []byte("media-secret")
	t.Cleanup(func() { MediaWebhookSecret = nil })

	body := `{"post_id":"p1","status":"processing"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/media", strings.NewReader(body))
	req.Header.Set("X-Media-Signature", Utils.SignHMACSHA256(MediaWebhookSecret, []byte(body)))
	w := httptest.NewRecorder()

	MediaWebhook(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type recordingStorage struct {
	Storage.Backend
	deleted []string
}

func (f *recordingStorage) Delete(ctx context.Context, objectKey string) error {
	f.deleted = append(f.deleted, objectKey)
	return nil
}

func withRecordingStorage(t *testing.T) *recordingStorage {
	t.Helper()
	store := &recordingStorage{}
	prev := Storage.Default
	Storage.Default = store
	t.Cleanup(func() { Storage.Default = prev })
	return store
}

func expectPurchaseCheck(mock sqlmock.Sqlmock, postID string, open bool) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM posts WHERE id = \\$1 FOR UPDATE").WithArgs(postID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(postID))
	mock.ExpectQuery("FROM beat_purchases WHERE post_id").WithArgs(postID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(open))
}

func TestRemovePostKeepsBeatWithOpenPurchases(t *testing.T) {
	mock := setupMockDB(t)
	store := withRecordingStorage(t)
	expectPurchaseCheck(mock, "beat-1", true)
	mock.ExpectRollback()

	err := RemovePost(context.Background(), &Post{ID: "beat-1", Kind: KindBeat, MediaKey: "beats/beat-1", CoverKey: "covers/beat-1"})

	assert.ErrorIs(t, err, ErrOpenPurchases)
	assert.Empty(t, store.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemovePostDeletesRowAndObjects(t *testing.T) {
	mock := setupMockDB(t)
	store := withRecordingStorage(t)
	expectPurchaseCheck(mock, "beat-2", false)
	mock.ExpectExec("DELETE FROM posts WHERE id").WithArgs("beat-2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := RemovePost(context.Background(), &Post{ID: "beat-2", Kind: KindBeat, MediaKey: "beats/beat-2", CoverKey: "covers/beat-2"})

	require.NoError(t, err)
	assert.Equal(t, []string{"beats/beat-2", "covers/beat-2"}, store.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemovePostMissingRow(t *testing.T) {
	mock := setupMockDB(t)
	store := withRecordingStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM posts WHERE id").WithArgs("gone").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := RemovePost(context.Background(), &Post{ID: "gone", MediaKey: "audio/gone"})

	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Empty(t, store.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
