package logstore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: t.TempDir(), Retention: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWriteAndQuery(t *testing.T) {
	store := newTestStore(t)
	before := time.Now().Add(-time.Second)

	records := []string{
		`{"level":"info","message":"request received"}`,
		`{"level":"info","message":"request completed"}`,
		`{"level":"warn","message":"span never completed, force-closing"}`,
	}
	for _, r := range records {
		n, err := store.Write([]byte(r))
		require.NoError(t, err)
		assert.Equal(t, len(r), n)
	}

	got, err := store.Query(before, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Append ordering is preserved per record.
	for i, r := range records {
		assert.JSONEq(t, r, string(got[i]))
	}
}

func TestQuery_SinceExcludesOlder(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Write([]byte(`{"message":"old"}`))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)

	_, err = store.Write([]byte(`{"message":"new"}`))
	require.NoError(t, err)

	got, err := store.Query(cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0]), "new")
}

func TestQuery_Limit(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 10; i++ {
		_, err := store.Write([]byte(`{"message":"r"}`))
		require.NoError(t, err)
	}

	got, err := store.Query(time.Now().Add(-time.Minute), 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

// Records written in the same nanosecond must not overwrite each other;
// the content hash suffix keeps their keys distinct.
func TestWrite_DistinctRecordsSameInstant(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Write([]byte(`{"message":"a"}`))
	require.NoError(t, err)
	_, err = store.Write([]byte(`{"message":"b"}`))
	require.NoError(t, err)

	got, err := store.Query(time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestHandler_ServesRecentRecords(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Write([]byte(`{"message":"hello"}`))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/debug/logs?window=1m&limit=10", nil)
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int               `json:"count"`
		Records []json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Records, 1)
	assert.Contains(t, string(body.Records[0]), "hello")
}

func TestHandler_RejectsBadParams(t *testing.T) {
	store := newTestStore(t)

	for _, target := range []string{
		"/debug/logs?window=nonsense",
		"/debug/logs?window=-5m",
		"/debug/logs?limit=zero",
		"/debug/logs?limit=-1",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		store.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}
